// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || windows

package webgpu

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// kernel is a compiled compute pipeline.
type kernel struct {
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (k *kernel) release() {
	k.pipeline.Release()
	k.shader.Release()
}

// kernels is the process-wide cache of compiled pipelines, keyed by backend instance and kernel
// signature.
var kernels = backends.NewKernelCache[*kernel](BackendName, (*kernel).release)

var backendSerial atomic.Int64

// maxPendingCommands is the number of batched command buffers that triggers a submission.
const maxPendingCommands = 64

// releaser is any WebGPU object whose release is deferred until the pending commands are submitted.
type releaser interface {
	Release()
}

// Buffer is a device storage buffer holding the flat values of shape.
type Buffer struct {
	shape  shapes.Shape
	buffer *wgpu.Buffer
	size   uint64
	valid  bool
}

// Backend implements backends.Backend for one WebGPU adapter.
type Backend struct {
	device shapes.Device
	serial int64
	opts   options
	caps   backends.Capabilities

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	gpu      *wgpu.Device
	queue    *wgpu.Queue

	memory *backends.MemoryTracker

	// mu protects the command batch and the deferred releases.
	mu        sync.Mutex
	pending   []*wgpu.CommandBuffer
	garbage   []releaser
	finalized bool
}

var _ backends.Backend = &Backend{}
var _ backends.MemoryReporter = &Backend{}
var _ backends.CompilationCounter = &Backend{}

// New creates the WebGPU backend for the device. Only GPU(0), the adapter picked by the power
// preference, is supported.
func New(device shapes.Device, config string) (backends.Backend, error) {
	if !device.IsGPU() || !device.Ok() {
		return nil, errors.Errorf("backend %s only supports gpu devices, got %s", BackendName, device)
	}
	opts, err := parseOptions(config)
	if err != nil {
		return nil, err
	}
	if device.Index != 0 {
		return nil, errors.Wrapf(backends.ErrUnavailable, "backend %s only exposes gpu:0, got %s", BackendName, device)
	}
	b, err := newBackend(opts)
	if err != nil {
		return nil, err
	}
	b.device = device
	klog.V(1).Infof("webgpu backend: workgroup=%d, lowpower=%v, memlimit=%d",
		opts.workgroupSize, opts.lowPower, opts.memLimit)
	return b, nil
}

func newBackend(opts options) (b *Backend, err error) {
	// The bindings panic if the wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = errors.Wrapf(backends.ErrUnavailable, "webgpu native library not available: %v", r)
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, errors.Wrapf(backends.ErrUnavailable, "webgpu: failed to create instance: %v", err)
	}
	power := wgpu.PowerPreferenceHighPerformance
	if opts.lowPower {
		power = wgpu.PowerPreferenceLowPower
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: power})
	if err != nil {
		instance.Release()
		return nil, errors.Wrapf(backends.ErrUnavailable, "webgpu: failed to request adapter: %v", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(backends.ErrUnavailable, "webgpu: failed to request device: %v", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(backends.ErrUnavailable, "webgpu: failed to get queue")
	}
	return &Backend{
		serial:   backendSerial.Add(1),
		opts:     opts,
		caps:     capabilitiesFor(),
		instance: instance,
		adapter:  adapter,
		gpu:      device,
		queue:    queue,
		memory:   backends.NewMemoryTracker(opts.memLimit),
	}, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("WebGPU compute shaders on %s (workgroup size %d)", b.device, b.opts.workgroupSize)
}

// Device returns the GPU device.
func (b *Backend) Device() shapes.Device { return b.device }

// Capabilities returns the ops and dtypes supported.
func (b *Backend) Capabilities() backends.Capabilities { return b.caps }

// MemoryStats implements backends.MemoryReporter.
func (b *Backend) MemoryStats() backends.MemoryStats { return b.memory.Stats() }

// ResetPeak implements backends.MemoryReporter.
func (b *Backend) ResetPeak() { b.memory.ResetPeak() }

// KernelCompilations implements backends.CompilationCounter. The count is process-wide.
func (b *Backend) KernelCompilations() int64 { return kernels.Compilations() }

// Finalize submits pending work and releases all device resources.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.flushLocked()
	prefix := b.cacheKey("")
	kernels.Range(func(signature string, k *kernel) {
		if strings.HasPrefix(signature, prefix) {
			k.release()
		}
	})
	b.queue.Release()
	b.gpu.Release()
	b.adapter.Release()
	b.instance.Release()
	b.finalized = true
}

func (b *Backend) cacheKey(signature string) string {
	return fmt.Sprintf("%s#%d|%s", b.device, b.serial, signature)
}

// enqueue adds a command buffer to the batch.
func (b *Backend) enqueue(cmd *wgpu.CommandBuffer, garbage ...releaser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, cmd)
	b.garbage = append(b.garbage, garbage...)
	if len(b.pending) >= maxPendingCommands {
		b.flushLocked()
	}
}

// flushLocked submits the batch and then releases the objects it referenced. b.mu must be held.
func (b *Backend) flushLocked() {
	if len(b.pending) > 0 {
		klog.V(3).Infof("webgpu: submitting %d command buffers", len(b.pending))
		b.queue.Submit(b.pending...)
		b.pending = b.pending[:0]
	}
	for _, r := range b.garbage {
		r.Release()
	}
	b.garbage = b.garbage[:0]
}

func castBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", backendBuffer, BackendName)
	}
	if !buffer.valid {
		return nil, errors.Errorf("buffer %s was already finalized", buffer.shape)
	}
	return buffer, nil
}

// newBuffer allocates an uninitialized storage buffer, accounting for the memory limit.
func (b *Backend) newBuffer(shape shapes.Shape) (*Buffer, error) {
	size := alignedSize(shape)
	if err := b.memory.Allocate(size); err != nil {
		return nil, errors.WithMessagef(err, "backend %s", BackendName)
	}
	buffer := b.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if buffer == nil {
		b.memory.Free(size)
		return nil, errors.Wrapf(backends.ErrResource, "webgpu: failed to allocate %d bytes for %s", size, shape)
	}
	return &Buffer{shape: shape.Clone(), buffer: buffer, size: size, valid: true}, nil
}

// createMapped creates a buffer initialized with data, padded to size.
func (b *Backend) createMapped(data []byte, size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	buffer := b.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size)
	copy(mapped, data)
	buffer.Unmap()
	return buffer
}

// flatBytes returns the memory of a flat slice as bytes, without copying.
func flatBytes(flat any) []byte {
	v := reflect.ValueOf(flat)
	n := v.Len() * int(v.Type().Elem().Size())
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(v.UnsafePointer()), n)
}

// BufferFromFlatData implements backends.DataInterface.
func (b *Backend) BufferFromFlatData(flat any, shape shapes.Shape) (backends.Buffer, error) {
	if b.finalized {
		return nil, errors.Wrapf(backends.ErrExecution, "backend %s already finalized", BackendName)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("BufferFromFlatData: flat must be a slice, got %T", flat)
	}
	if dtypes.FromGoType(flatV.Type().Elem()) != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)", flatV.Type().Elem(), shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	if !b.caps.DTypes[shape.DType] {
		return nil, errors.Wrapf(backends.ErrCompilation, "dtype %s not supported by backend %s", shape.DType, BackendName)
	}
	size := alignedSize(shape)
	if err := b.memory.Allocate(size); err != nil {
		return nil, errors.WithMessagef(err, "backend %s", BackendName)
	}
	buffer := b.createMapped(flatBytes(flat), size,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	return &Buffer{shape: shape.Clone(), buffer: buffer, size: size, valid: true}, nil
}

// BufferToFlatData submits the pending commands and blocks until the buffer contents are copied
// to flat.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != buffer.shape.DType.GoType() {
		return errors.Errorf("BufferToFlatData: flat (%T) doesn't match buffer dtype %s", flat, buffer.shape.DType)
	}
	if flatV.Len() != buffer.shape.Size() {
		return errors.Errorf("BufferToFlatData: flat has %d elements, buffer shape %s requires %d",
			flatV.Len(), buffer.shape, buffer.shape.Size())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	staging := b.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  buffer.size,
	})
	defer staging.Release()
	encoder := b.gpu.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(buffer.buffer, 0, staging, 0, buffer.size)
	b.pending = append(b.pending, encoder.Finish(nil))
	b.flushLocked()

	if err := staging.MapAsync(b.gpu, wgpu.MapModeRead, 0, buffer.size); err != nil {
		return errors.Wrapf(backends.ErrExecution, "webgpu: failed to map staging buffer: %v", err)
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, buffer.size)), buffer.size)
	copy(flatBytes(flat), mapped)
	staging.Unmap()
	return nil
}

// BufferShape implements backends.DataInterface.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buffer.shape, nil
}

// BufferFinalize submits the pending commands, which may still use the buffer, and releases it.
// The device memory is reclaimed as soon as the submitted work completes.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	buffer.valid = false
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memory.Free(buffer.size)
	if b.finalized {
		// The device, and with it every buffer, is already gone.
		return nil
	}
	b.flushLocked()
	buffer.buffer.Release()
	return nil
}

// compile returns the cached pipeline for the op, generating and compiling its source on a miss.
func (b *Backend) compile(op *backends.Op, inputs []shapes.Shape, output shapes.Shape) (*kernel, error) {
	signature := kernelSignature(op, inputs, output, b.opts.workgroupSize)
	return kernels.Get(b.cacheKey(signature), func() (k *kernel, err error) {
		source, err := kernelSource(op, inputs, output, b.opts.workgroupSize)
		if err != nil {
			return nil, err
		}
		if klog.V(3).Enabled() {
			klog.Infof("webgpu: compiling %q:\n%s", signature, source)
		}
		defer func() {
			if r := recover(); r != nil {
				k, err = nil, errors.Wrapf(backends.ErrCompilation, "webgpu: %v", r)
			}
		}()
		shader := b.gpu.CreateShaderModuleWGSL(source)
		if shader == nil {
			return nil, errors.Wrap(backends.ErrCompilation, "webgpu: failed to create shader module")
		}
		pipeline := b.gpu.CreateComputePipelineSimple(nil, shader, "main")
		if pipeline == nil {
			shader.Release()
			return nil, errors.Wrap(backends.ErrCompilation, "webgpu: failed to create compute pipeline")
		}
		return &kernel{shader: shader, pipeline: pipeline}, nil
	})
}

// Execute implements backends.Backend. Inputs are never reused as outputs, since WebGPU forbids
// binding one buffer as both read and read_write storage. owned is ignored.
func (b *Backend) Execute(op *backends.Op, inputs []backends.Buffer, _ []bool, output shapes.Shape) (
	backends.Buffer, error) {
	if b.finalized {
		return nil, errors.Wrapf(backends.ErrExecution, "backend %s already finalized", BackendName)
	}
	if err := b.caps.Check(BackendName, op.Type, output.DType); err != nil {
		return nil, err
	}
	if op.Type == backends.OpTypeCast {
		if err := b.caps.Check(BackendName, op.Type, op.From); err != nil {
			return nil, err
		}
	}
	ins := make([]*Buffer, len(inputs))
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		var err error
		if ins[ii], err = castBuffer(input); err != nil {
			return nil, errors.Wrapf(backends.ErrExecution, "%s input #%d: %v", op, ii, err)
		}
		inputShapes[ii] = ins[ii].shape
	}
	params, err := b.launchParams(op, inputShapes, output)
	if err != nil {
		return nil, err
	}
	k, err := b.compile(op, inputShapes, output)
	if err != nil {
		return nil, err
	}
	out, err := b.newBuffer(output)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { b.dispatch(k, ins, out, params, output.Size()) })
	if err != nil {
		_ = b.BufferFinalize(out)
		return nil, errors.Wrapf(backends.ErrExecution, "%s -> %s: %v", op, output, err)
	}
	return out, nil
}

// launchParams validates the input shapes and encodes the uniform parameters of the kernel.
func (b *Backend) launchParams(op *backends.Op, inputs []shapes.Shape, output shapes.Shape) ([]byte, error) {
	n := output.Size()
	_, _, stride := dispatchSize(n, b.opts.workgroupSize)
	switch {
	case op.Type == backends.OpTypeFill:
		return encodeParams(uint32(n), stride, scalarBits(output.DType, op.Value), 0), nil
	case op.Type == backends.OpTypeArange:
		if !integralArange(op, output.DType) {
			return encodeParams(uint32(n), stride,
				scalarBits(dtypes.Float32, op.Start), scalarBits(dtypes.Float32, op.Step)), nil
		}
		return encodeParams(uint32(n), stride,
			scalarBits(output.DType, op.Start), stepBits(output.DType, op.Step)), nil
	case op.Type == backends.OpTypeMatMul:
		if len(inputs) != 2+btoi(op.HasBias) {
			return nil, errors.Wrapf(backends.ErrExecution, "%s: got %d inputs", op, len(inputs))
		}
		lhs, rhs := inputs[0], inputs[1]
		if lhs.Rank() != rhs.Rank() || (lhs.Rank() != 2 && lhs.Rank() != 3) || lhs.Dim(-1) != rhs.Dim(-2) {
			return nil, errors.Wrapf(backends.ErrExecution, "%s of %s and %s: incompatible shapes", op, lhs, rhs)
		}
		batch := 1
		if lhs.Rank() == 3 {
			batch = lhs.Dim(0)
		}
		if op.HasBias && !inputs[2].Equal(output) {
			return nil, errors.Wrapf(backends.ErrExecution, "%s: bias shape %s doesn't match output %s", op, inputs[2], output)
		}
		return encodeMatMulParams(stride, batch, lhs.Dim(-2), lhs.Dim(-1), rhs.Dim(-1),
			float32(op.Alpha), float32(op.Beta)), nil
	case op.Type == backends.OpTypeTranspose, op.Type == backends.OpTypeCast:
		if len(inputs) != 1 || inputs[0].Size() != n {
			return nil, errors.Wrapf(backends.ErrExecution, "%s -> %s: invalid inputs %v", op, output, inputs)
		}
		return encodeParams(uint32(n), stride, 0, 0), nil
	default:
		for ii, input := range inputs {
			if !input.Equal(output) {
				return nil, errors.Wrapf(backends.ErrExecution, "%s input #%d has shape %s, expected %s",
					op, ii, input, output)
			}
		}
		return encodeParams(uint32(n), stride, 0, 0), nil
	}
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dispatch encodes one compute pass and adds it to the batch.
func (b *Backend) dispatch(k *kernel, inputs []*Buffer, out *Buffer, params []byte, n int) {
	uniform := b.createMapped(params, uint64(len(params)), wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	entries := make([]wgpu.BindGroupEntry, 0, len(inputs)+2)
	for ii, input := range inputs {
		entries = append(entries, wgpu.BufferBindingEntry(uint32(ii), input.buffer, 0, input.size))
	}
	entries = append(entries,
		wgpu.BufferBindingEntry(uint32(len(inputs)), out.buffer, 0, out.size),
		wgpu.BufferBindingEntry(uint32(len(inputs)+1), uniform, 0, uint64(len(params))))
	layout := k.pipeline.GetBindGroupLayout(0)
	bindGroup := b.gpu.CreateBindGroupSimple(layout, entries)

	encoder := b.gpu.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	x, y, _ := dispatchSize(n, b.opts.workgroupSize)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()
	b.enqueue(encoder.Finish(nil), bindGroup, layout, uniform)
}
