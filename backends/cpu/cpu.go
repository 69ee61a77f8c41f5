// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the host backend: portable, parallel and always available.
//
// Elementwise and fused ops are evaluated by partitioning the output buffer in disjoint ranges
// across a pool of workers. Fused programs are "compiled" once per signature into a list of
// typed steps, and executed range by range, so intermediate values only exist as range-sized
// scratch slices. Float32 and Float64 matrix multiplications use gonum's BLAS.
//
// Configuration options (see backends.ConfigEnvVar), e.g. "cpu:parallelism=4,minparallel=4096":
//
//   - parallelism: soft limit of parallel workers. 0 disables parallelism, -1 is unlimited.
//     Defaults to runtime.NumCPU().
//   - minparallel: minimum number of elements per parallel range. Defaults to 16384.
//   - memlimit: maximum bytes of live buffers, e.g. "2GiB". Defaults to no limit.
package cpu

import (
	"sync"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/internal/workerspool"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in backends.ConfigEnvVar to configure this backend.
const BackendName = "cpu"

// DefaultMinParallel is the default minimum number of elements per parallel range.
const DefaultMinParallel = 16 * 1024

// Registers New() as the constructor for CPU devices.
func init() {
	backends.Register(shapes.KindCPU, BackendName, New)
}

// New constructs a new CPU Backend with the given configuration.
func New(device shapes.Device, config string) (backends.Backend, error) {
	b, err := newBackend(device, config)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newBackend(device shapes.Device, config string) (*Backend, error) {
	if !device.IsCPU() || !device.Ok() {
		return nil, errors.Errorf("backend %s only supports the cpu device, got %s", BackendName, device)
	}
	opts, err := backends.ParseOptions(BackendName, config)
	if err != nil {
		return nil, err
	}
	b := &Backend{workers: workerspool.New()}
	parallelism, err := opts.PopInt("parallelism", b.workers.MaxParallelism())
	if err != nil {
		return nil, err
	}
	b.workers.SetMaxParallelism(parallelism)
	if b.minParallel, err = opts.PopInt("minparallel", DefaultMinParallel); err != nil {
		return nil, err
	}
	limit, err := backends.ParseMemoryLimit(opts.PopString("memlimit", ""))
	if err != nil {
		return nil, err
	}
	if err = opts.Done(); err != nil {
		return nil, err
	}
	b.memory = backends.NewMemoryTracker(limit)
	b.kernels = backends.NewKernelCache[*fusedKernel](BackendName, nil)
	klog.V(1).Infof("cpu backend: parallelism=%d, minparallel=%d, memlimit=%d", parallelism, b.minParallel, limit)
	return b, nil
}

// Backend implements the backends.Backend interface for the host.
type Backend struct {
	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[poolKey]*sync.Pool.
	bufferPools sync.Map

	workers     *workerspool.Pool
	minParallel int
	memory      *backends.MemoryTracker

	// kernels holds the compiled fused programs, by signature.
	kernels *backends.KernelCache[*fusedKernel]

	isFinalized bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}
var _ backends.MemoryReporter = &Backend{}
var _ backends.CompilationCounter = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Portable parallel Go backend for the host CPU"
}

// Device returns shapes.CPU().
func (b *Backend) Device() shapes.Device {
	return shapes.CPU()
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// MemoryStats implements backends.MemoryReporter.
func (b *Backend) MemoryStats() backends.MemoryStats {
	return b.memory.Stats()
}

// ResetPeak implements backends.MemoryReporter.
func (b *Backend) ResetPeak() {
	b.memory.ResetPeak()
}

// KernelCompilations implements backends.CompilationCounter.
func (b *Backend) KernelCompilations() int64 {
	return b.kernels.Compilations()
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.isFinalized = true
	b.bufferPools.Clear()
}

// parallelFor runs fn over disjoint ranges of [0, n) using the worker pool.
func (b *Backend) parallelFor(n int, fn func(start, end int)) {
	b.workers.ParallelFor(n, b.minParallel, fn)
}

// Execute implements backends.Backend.
func (b *Backend) Execute(op *backends.Op, inputs []backends.Buffer, owned []bool, output shapes.Shape) (
	backends.Buffer, error) {
	if b.isFinalized {
		return nil, errors.Wrapf(backends.ErrExecution, "backend %s already finalized", BackendName)
	}
	if err := Capabilities.CheckOp(BackendName, op, output.DType); err != nil {
		return nil, err
	}
	ins := make([]*Buffer, len(inputs))
	for ii, input := range inputs {
		var err error
		ins[ii], err = castBuffer(input)
		if err != nil {
			return nil, errors.Wrapf(backends.ErrExecution, "%s input #%d: %v", op, ii, err)
		}
	}
	if len(owned) != len(inputs) {
		owned = make([]bool, len(inputs))
	}

	var out *Buffer
	err := exceptions.TryCatch[error](func() {
		out = b.execute(op, ins, owned, output)
	})
	if err != nil {
		if !errors.Is(err, backends.ErrResource) && !errors.Is(err, backends.ErrExecution) &&
			!errors.Is(err, backends.ErrCompilation) {
			err = errors.Wrapf(backends.ErrExecution, "%s -> %s: %v", op, output, err)
		}
		return nil, err
	}
	return out, nil
}

func (b *Backend) execute(op *backends.Op, inputs []*Buffer, owned []bool, output shapes.Shape) *Buffer {
	switch {
	case op.Type == backends.OpTypeFill:
		return b.execFill(op.Value, output)
	case op.Type == backends.OpTypeArange:
		return b.execArange(op.Start, op.Step, output)
	case op.Type == backends.OpTypeFused:
		return b.execFused(op.Program, inputs, owned, output)
	case op.Type.IsElementwise():
		return b.execFused(backends.ElementwiseProgram(op.Type, output.DType), inputs, owned, output)
	case op.Type == backends.OpTypeMatMul:
		return b.execMatMul(op, inputs, owned, output)
	case op.Type == backends.OpTypeTranspose:
		return b.execTranspose(op.Permutation, inputs[0], output)
	case op.Type == backends.OpTypeCast:
		return b.execCast(inputs[0], output)
	}
	exceptions.Panicf("op %s not implemented by backend %s", op, BackendName)
	return nil
}

// outputBuffer returns a buffer for an elementwise result, reusing the first owned input with
// the same shape if there is one.
func (b *Backend) outputBuffer(inputs []*Buffer, owned []bool, output shapes.Shape) *Buffer {
	for ii, input := range inputs {
		if owned[ii] && input.shape.Equal(output) {
			return input
		}
	}
	return b.NewBuffer(output)
}
