// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import "fmt"

// Config holds the hyperparameters defining a Gatekeeper instance.
// All fields are fixed at construction and immutable afterward.
type Config struct {
	Dims              int     // feature dimension of the host model's activations
	TotalLayers       int     // number of layers in the host model
	SparsityThreshold float32 // importance scores above this keep the token active
	Epsilon           float32 // exploration probability for the traversal policy
}

// DefaultConfig returns the standard configuration: 512 dims, 24 layers,
// 0.2 sparsity threshold, 0.1 exploration.
func DefaultConfig() Config {
	return Config{Dims: 512, TotalLayers: 24, SparsityThreshold: 0.2, Epsilon: 0.1}
}

// Tiny returns a minimal configuration for tests and benchmarks:
// 64 dims, 12 layers.
func Tiny() Config {
	return Config{Dims: 64, TotalLayers: 12, SparsityThreshold: 0.2, Epsilon: 0.1}
}

// Validate reports the first configuration problem found, wrapped in
// ErrInvalidConfig, or nil.
func (c Config) Validate() error {
	if c.Dims <= 0 {
		return fmt.Errorf("%w: dims must be positive, got %d", ErrInvalidConfig, c.Dims)
	}
	if c.TotalLayers <= 0 {
		return fmt.Errorf("%w: total layers must be positive, got %d", ErrInvalidConfig, c.TotalLayers)
	}
	if c.SparsityThreshold < 0 || c.SparsityThreshold > 1 {
		return fmt.Errorf("%w: sparsity threshold must be in [0, 1], got %f", ErrInvalidConfig, c.SparsityThreshold)
	}
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("%w: epsilon must be in [0, 1], got %f", ErrInvalidConfig, c.Epsilon)
	}
	return nil
}
