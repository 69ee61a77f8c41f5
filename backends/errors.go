// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/pkg/errors"

// Sentinel errors of the evaluation taxonomy. Backends wrap them with context (op, shape,
// kernel signature), so callers check them with errors.Is.
//
// None of them is retried: failures are deterministic given identical inputs.
var (
	// ErrCompilation is returned when a kernel could not be built, including for an
	// op or dtype the device doesn't support.
	ErrCompilation = errors.New("kernel compilation failed")

	// ErrExecution is returned when a kernel launch or the device faults.
	ErrExecution = errors.New("kernel execution failed")

	// ErrResource is returned when host or device memory is exhausted.
	ErrResource = errors.New("out of device memory")

	// ErrUnavailable is returned when the device (or its runtime library) is not present.
	ErrUnavailable = errors.New("device not available")
)
