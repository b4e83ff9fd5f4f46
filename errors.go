// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import "errors"

// The gate surfaces exactly two error kinds. Construction problems
// (bad dimensions, out-of-range thresholds) wrap ErrInvalidConfig;
// per-call problems (bad layer index, shape mismatch) wrap
// ErrInvalidArgument. Everything else is deterministic numeric
// evaluation with no recoverable failure mode.
var (
	ErrInvalidConfig   = errors.New("invalid gatekeeper configuration")
	ErrInvalidArgument = errors.New("invalid argument")
)
