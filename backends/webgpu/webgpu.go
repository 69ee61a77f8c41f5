// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package webgpu implements the GPU backend using WebGPU compute shaders, through the
// zero-CGO github.com/go-webgpu/webgpu bindings.
//
// Kernels are WGSL sources generated per kernel signature (see kernelSignature), compiled into
// compute pipelines on first use and cached process-wide. Launches are batched and only
// submitted when a result is read back to the host, or the backend is finalized.
//
// The runtime is wired on Linux, macOS and Windows, and needs the wgpu_native shared library at
// run time. When the library or an adapter is missing, New returns an error wrapping
// backends.ErrUnavailable, as it does on any other platform.
//
// Configuration options (see backends.ConfigEnvVar), e.g. "webgpu:power=low,workgroup=128":
//
//   - power: adapter power preference, "high" (default) or "low".
//   - workgroup: invocations per workgroup, from 1 to 256. Defaults to 256.
//   - memlimit: maximum bytes of live device buffers, e.g. "512MiB". Defaults to no limit.
package webgpu

import (
	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in backends.ConfigEnvVar to configure this backend.
const BackendName = "webgpu"

// DefaultWorkgroupSize is the default number of invocations per workgroup.
const DefaultWorkgroupSize = 256

func init() {
	backends.Register(shapes.KindGPU, BackendName, New)
}

type options struct {
	lowPower      bool
	workgroupSize int
	memLimit      uint64
}

func parseOptions(config string) (options, error) {
	var opts options
	parsed, err := backends.ParseOptions(BackendName, config)
	if err != nil {
		return opts, err
	}
	switch power := parsed.PopString("power", "high"); power {
	case "high":
	case "low":
		opts.lowPower = true
	default:
		return opts, errors.Errorf("invalid power preference %q for %s backend, expected \"high\" or \"low\"",
			power, BackendName)
	}
	if opts.workgroupSize, err = parsed.PopInt("workgroup", DefaultWorkgroupSize); err != nil {
		return opts, err
	}
	if opts.workgroupSize < 1 || opts.workgroupSize > 256 {
		return opts, errors.Errorf("invalid workgroup size %d for %s backend, it must be in [1, 256]",
			opts.workgroupSize, BackendName)
	}
	if opts.memLimit, err = backends.ParseMemoryLimit(parsed.PopString("memlimit", "")); err != nil {
		return opts, err
	}
	return opts, parsed.Done()
}

// capabilitiesFor returns the ops and dtypes supported. The bindings don't expose the shader-f16
// feature, so Float16 is rejected with backends.ErrCompilation.
func capabilitiesFor() backends.Capabilities {
	caps := backends.Capabilities{
		Operations: make(map[backends.OpType]bool),
		DTypes: map[dtypes.DType]bool{
			dtypes.Float32: true,
			dtypes.Int32:   true,
			dtypes.Uint32:  true,
		},
	}
	for op := backends.OpTypeInvalid + 1; op < backends.OpTypeLast; op++ {
		caps.Operations[op] = true
	}
	return caps
}
