// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device executor needs to implement to evaluate
// the nodes of a constensor graph, along with the op vocabulary, the fused-program encoding,
// the error taxonomy and the process-wide registry of backends.
//
// There are exactly two implementations, selected by the shapes.Device of each node:
// package github.com/gomlx/constensor/backends/cpu (always available) and
// package github.com/gomlx/constensor/backends/webgpu (runtime-compiled WGSL kernels).
//
// Backends are created lazily, once per device, on the first call to ForDevice.
package backends

import (
	"sync"

	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is an opaque handle to device memory holding the flat, row-major values of one shape.
//
// Only the backend that created a buffer can interpret it.
type Buffer any

// Backend is the API that needs to be implemented by a device executor.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Device this backend executes on.
	Device() shapes.Device

	// Capabilities returns the ops and dtypes supported by the backend.
	Capabilities() Capabilities

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from the device.
	DataInterface

	// Execute runs one op over the given inputs and returns a newly materialized buffer with
	// the given output shape.
	//
	// owned[i] reports that the caller won't use inputs[i] after this call: the backend may then
	// reuse it as the output buffer, in which case it returns the same Buffer value.
	// Inputs not reused remain owned by the caller.
	//
	// Errors wrap one of ErrCompilation, ErrExecution or ErrResource.
	Execute(op *Op, inputs []Buffer, owned []bool, output shapes.Shape) (Buffer, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// DataInterface transfers buffers between host and device.
type DataInterface interface {
	// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding
	// to the shape DType) to the device, and returns the corresponding Buffer.
	BufferFromFlatData(flat any, shape shapes.Shape) (Buffer, error)

	// BufferToFlatData transfers the flat values of the buffer to the Go flat slice.
	// The slice flat must have the exact number of elements required to store the buffer shape.
	//
	// For asynchronous devices this is the point where the caller blocks until the commands
	// producing the buffer complete.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferFinalize informs the backend that the buffer is no longer needed and associated
	// resources can be freed immediately. A finalized buffer should never be used again.
	BufferFinalize(buffer Buffer) error
}

// Constructor takes the device and a configuration string (optionally empty) and returns a Backend.
type Constructor func(device shapes.Device, config string) (Backend, error)

type registration struct {
	name        string
	constructor Constructor
}

type instance struct {
	once    sync.Once
	backend Backend
	err     error
}

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[shapes.DeviceKind]registration)
	instances              = make(map[shapes.Device]*instance)
)

// Register the backend constructor for a kind of device. name is used to look up its
// configuration (see ConfigEnvVar).
//
// To be safe, call Register during initialization of a package.
func Register(kind shapes.DeviceKind, name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredConstructors[kind] = registration{name: name, constructor: constructor}
}

// List the names of the registered backends.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for _, kind := range []shapes.DeviceKind{shapes.KindCPU, shapes.KindGPU} {
		if r, found := registeredConstructors[kind]; found {
			names = append(names, r.name)
		}
	}
	return names
}

// ForDevice returns the process-wide backend for the device, creating it on first use.
//
// A failed construction is remembered: later calls for the same device return the same error.
func ForDevice(device shapes.Device) (Backend, error) {
	if !device.Ok() {
		return nil, errors.Errorf("invalid device %s", device)
	}
	muRegistry.Lock()
	r, found := registeredConstructors[device.Kind]
	inst, exists := instances[device]
	if !exists {
		inst = &instance{}
		instances[device] = inst
	}
	muRegistry.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrUnavailable,
			"no backend registered for %s devices -- maybe import _ \"github.com/gomlx/constensor/backends/default\"?",
			device.Kind)
	}

	inst.once.Do(func() {
		config := ConfigFor(r.name)
		inst.backend, inst.err = r.constructor(device, config)
		if inst.err != nil {
			inst.err = errors.WithMessagef(inst.err, "failed to create backend %q for %s with config %q", r.name, device, config)
			klog.V(1).Infof("backend for %s not available: %v", device, inst.err)
			return
		}
		klog.V(1).Infof("created backend %s for %s (config %q)", inst.backend.Name(), device, config)
	})
	return inst.backend, inst.err
}

// FinalizeAll finalizes every backend created by ForDevice, and forgets them: a later ForDevice
// creates a new one. It is meant for tests and for orderly process termination.
func FinalizeAll() {
	muRegistry.Lock()
	old := instances
	instances = make(map[shapes.Device]*instance)
	muRegistry.Unlock()
	for _, inst := range old {
		if inst.backend != nil {
			inst.backend.Finalize()
		}
	}
}
