// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight  *Tensor
	bias    *Tensor
	inFeat  int
	outFeat int
	useBias bool
}

// NewLinear creates a linear layer with Kaiming initialization: N(0, sqrt(2/in)).
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	std := SqrtF32(2.0 / float32(inFeatures))
	l := &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = Zeros(NewShape(outFeatures))
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
//
// The leading dims are peeled off, matmul runs on [batch, in_features],
// then the output is reshaped back to [...leading, out_features].
func (l *Linear) Forward(input *Tensor) *Tensor {
	batchDims, batchSize, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(batchSize, l.inFeat))
	output := MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output.Reshape(withLastDim(batchDims, l.outFeat))
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*Tensor {
	if l.useBias {
		return []*Tensor{l.weight, l.bias}
	}
	return []*Tensor{l.weight}
}

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// ---------------------------------------------------------------------------
// LayerNorm
// ---------------------------------------------------------------------------

// LayerNorm implements standard layer normalization over the last dimension.
//
//	y_i = (x_i - mean(x)) / sqrt(var(x) + eps) * gamma_i + beta_i
//
// Unlike RMSNorm, LayerNorm centers the input before scaling; the gate's
// importance scorer normalizes each token vector this way before scoring it.
type LayerNorm struct {
	gamma *Tensor // learnable scale, shape [dim]
	beta  *Tensor // learnable shift, shape [dim]
	eps   float32
	dim   int
}

// NewLayerNorm creates a LayerNorm with gamma initialized to 1 and beta to 0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		gamma: Ones(NewShape(dim)),
		beta:  Zeros(NewShape(dim)),
		eps:   eps,
		dim:   dim,
	}
}

// Forward applies layer normalization along the last dimension. Each
// last-dim vector is normalized independently.
func (ln *LayerNorm) Forward(input *Tensor) *Tensor {
	shape := input.Shape()
	numVectors := shape.Numel() / ln.dim

	output := New(shape)
	in, out := input.DataPtr(), output.DataPtr()
	g, b := ln.gamma.DataPtr(), ln.beta.DataPtr()
	invDim := 1.0 / float32(ln.dim)

	for v := 0; v < numVectors; v++ {
		off := v * ln.dim
		row := in[off : off+ln.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim

		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		invStd := 1.0 / SqrtF32(variance+ln.eps)
		oRow := out[off : off+ln.dim]
		for i := range oRow {
			oRow[i] = (row[i]-mean)*invStd*g[i] + b[i]
		}
	}
	return output
}

// Parameters returns the learnable gamma and beta vectors.
func (ln *LayerNorm) Parameters() []*Tensor { return []*Tensor{ln.gamma, ln.beta} }
