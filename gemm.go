// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import "fmt"

// Portable matmul kernels. The matrices flowing through the gate are small
// (policy and scorer projections over a single pooled vector, or a few
// hundred tokens), so a straightforward register-blocked triple loop is
// plenty; there is no BLAS or CGO dependency.

// gemm computes C = A @ B.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// Loop order i-p-j keeps the innermost loop walking both B and C
// contiguously, which lets the compiler vectorize the accumulate.
func gemm(m, n, k int, a, b, c []float32) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	for i := 0; i < m; i++ {
		cRow := c[i*n : (i+1)*n]
		for j := range cRow {
			cRow[j] = 0
		}
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			for j := range cRow {
				cRow[j] += av * bRow[j]
			}
		}
	}
}

// gemmTransB computes C = A @ B^T without materializing the transpose.
// A: [m, k] row-major, B: [n, k] row-major (N rows of K cols), C: [m, n].
//
// With B stored transposed, each output element is a dot product of two
// contiguous rows. This is the hot path for Linear.Forward (weights are
// stored [out, in]).
func gemmTransB(m, n, k int, a, b, c []float32) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	for i := 0; i < m; i++ {
		aRow := a[i*k : (i+1)*k]
		cRow := c[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			bRow := b[j*k : (j+1)*k]
			sum := float32(0)
			for p := range aRow {
				sum += aRow[p] * bRow[p]
			}
			cRow[j] = sum
		}
	}
}

// Matmul computes matrix multiplication C = A @ B.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
//
// Supports 2D [M,K] x [K,N] -> [M,N] and batched 3D [B,M,K] x [B,K,N] -> [B,M,N].
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("unsupported batch dimensions")
	}

	result := New(resultShape)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN
	for batch := 0; batch < batchSize; batch++ {
		aOff, bOff, cOff := batch*aStride, batch*bStride, batch*cStride
		gemm(aM, bN, aK,
			a.data[aOff:aOff+aStride],
			b.data[bOff:bOff+bStride],
			result.data[cOff:cOff+cStride])
	}
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bN, bK := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN))
	gemmTransB(aM, bN, aK, a.data, b.data, result.data)
	return result
}
