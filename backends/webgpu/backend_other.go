// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || windows)

package webgpu

import (
	"runtime"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/pkg/errors"
)

// New validates the configuration and returns an error wrapping backends.ErrUnavailable: the
// wgpu_native library has no loader for this platform.
func New(device shapes.Device, config string) (backends.Backend, error) {
	if !device.IsGPU() || !device.Ok() {
		return nil, errors.Errorf("backend %s only supports gpu devices, got %s", BackendName, device)
	}
	if _, err := parseOptions(config); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(backends.ErrUnavailable, "backend %s is not available on %s/%s",
		BackendName, runtime.GOOS, runtime.GOARCH)
}
