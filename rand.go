// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

// RandState is an explicit PRNG state threaded through every stochastic
// call. The gate never touches global random state: callers own the state,
// so tests can replay exact decision sequences and concurrent callers can
// use independent states without locking.
//
// The generator is a 64-bit LCG with Knuth's MMIX multiplier. It is not
// cryptographic; it only has to be cheap, seedable, and reproducible.
type RandState uint64

// NewRandState returns a PRNG state initialized from seed.
func NewRandState(seed uint64) *RandState {
	s := RandState(seed)
	return &s
}

// Float32 advances the state and returns a pseudo-random value in [0, 1).
func (s *RandState) Float32() float32 {
	*s = *s*6364136223846793005 + 1
	return float32(uint32(*s>>32)) / 4294967296.0
}

// Intn advances the state and returns a pseudo-random integer in [0, n).
// Panics if n <= 0.
func (s *RandState) Intn(n int) int {
	if n <= 0 {
		panic("Intn: n must be positive")
	}
	v := int(s.Float32() * float32(n))
	if v >= n { // Float32 can round up to exactly n for large n
		v = n - 1
	}
	return v
}
