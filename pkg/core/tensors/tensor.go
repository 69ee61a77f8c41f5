// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements `Tensor`, the materialized result of evaluating a graph node.
//
// A Tensor owns one backend buffer, on the device where it was computed, and is immutable.
// Its values are transferred to the host the first time they are requested (Data, Flat,
// CopyFlatData, ToScalar...), and the host copy is cached, so later calls don't transfer again.
//
// The device buffer is released by Tensor.Finalize, or when the Tensor is garbage collected.
// The first is preferred for large buffers, since the garbage collector doesn't know about
// device memory.
package tensors

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNotMaterialized is returned when the values of a Tensor that holds no buffer are requested:
// a zero Tensor, a nil one or one already finalized.
var ErrNotMaterialized = errors.New("tensor not materialized")

// deviceBuffer is the backend buffer of a Tensor. It is kept apart from the Tensor so the garbage
// collection cleanup can release it without referencing the Tensor.
type deviceBuffer struct {
	mu       sync.Mutex
	backend  backends.Backend
	buffer   backends.Buffer
	released bool
}

func (d *deviceBuffer) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	if err := d.backend.BufferFinalize(d.buffer); err != nil {
		klog.Warningf("tensors: failed to release %s buffer: %+v", d.backend.Name(), err)
	}
	d.buffer = nil
}

// Tensor is the materialized value of a graph node: a shape, the device it was computed on and
// the backend buffer holding its values.
type Tensor struct {
	shape  shapes.Shape
	device shapes.Device

	// mu protects flat and the release of device.
	mu      sync.Mutex
	data    *deviceBuffer
	cleanup runtime.Cleanup

	// flat is the cached host copy of the values, nil until the first transfer.
	flat any
}

// FromBuffer creates a Tensor that takes ownership of a backend buffer.
func FromBuffer(backend backends.Backend, buffer backends.Buffer) (*Tensor, error) {
	shape, err := backend.BufferShape(buffer)
	if err != nil {
		return nil, err
	}
	t := &Tensor{
		shape:  shape,
		device: backend.Device(),
		data:   &deviceBuffer{backend: backend, buffer: buffer},
	}
	t.cleanup = runtime.AddCleanup(t, (*deviceBuffer).release, t.data)
	return t, nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Device where the tensor was computed and its buffer lives.
func (t *Tensor) Device() shapes.Device { return t.device }

// Ok returns whether the Tensor holds a buffer or a host copy of its values.
func (t *Tensor) Ok() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedOk()
}

func (t *Tensor) lockedOk() bool {
	return t.shape.Ok() && (t.flat != nil || (t.data != nil && !t.data.released))
}

// Finalize releases the device buffer and the cached host copy immediately.
// The Tensor becomes invalid, and its values can no longer be read. It is a no-op if
// called more than once.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data != nil {
		t.cleanup.Stop()
		t.data.release()
		t.data = nil
	}
	t.flat = nil
}

// lockedFlat returns the cached host copy, transferring it from the device first if needed.
func (t *Tensor) lockedFlat() (any, error) {
	if t.flat != nil {
		return t.flat, nil
	}
	if !t.lockedOk() {
		return nil, errors.Wrapf(ErrNotMaterialized, "Tensor(shape=%s)", t.shape)
	}
	size := t.shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size).Interface()
	if err := t.data.backend.BufferToFlatData(t.data.buffer, flat); err != nil {
		return nil, errors.WithMessagef(err, "Tensor(shape=%s) failed to transfer from %s", t.shape, t.device)
	}
	t.flat = flat
	return flat, nil
}

// constFlat calls accessFn with the cached host copy of the values. accessFn must not modify
// or keep a reference to flat.
func (t *Tensor) constFlat(accessFn func(flat any)) error {
	if t == nil {
		return errors.Wrap(ErrNotMaterialized, "nil Tensor")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	flat, err := t.lockedFlat()
	if err != nil {
		return err
	}
	accessFn(flat)
	return nil
}

// Flat returns a copy of the values as a flat slice of the tensor's DType Go type, e.g. []float32.
func (t *Tensor) Flat() (any, error) {
	var flatCopy any
	err := t.constFlat(func(flat any) {
		flatCopy = cloneFlat(flat)
	})
	return flatCopy, err
}

// Data returns the values as a multidimensional slice (e.g. [][]float32 for rank 2), or the value
// itself for scalars. It is a copy: modifying it doesn't affect the tensor.
func (t *Tensor) Data() (any, error) {
	var value any
	err := t.constFlat(func(flat any) {
		if t.shape.IsScalar() {
			value = reflect.ValueOf(flat).Index(0).Interface()
			return
		}
		value = convertDataToSlices(reflect.ValueOf(cloneFlat(flat)), t.shape.Dimensions...).Interface()
	})
	return value, err
}

// Value is like Data, but it panics on error.
// This is expensive and usually only used for smaller tensors in tests and to print results.
func (t *Tensor) Value() any {
	value, err := t.Data()
	if err != nil {
		panic(err)
	}
	return value
}

// CopyFlatData returns a copy of the flat values of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := t.constFlat(func(flat any) {
		typed, ok := flat.([]T)
		if !ok {
			exceptions.Panicf("CopyFlatData[%T] is incompatible with Tensor's dtype %s", typed, t.shape.DType)
		}
		flatCopy = make([]T, len(typed))
		copy(flatCopy, typed)
	})
	return flatCopy, err
}

// ToScalar returns the scalar value of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor, or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) (T, error) {
	var value T
	err := t.constFlat(func(flat any) {
		if t.shape.DType != dtypes.FromGenericsType[T]() {
			exceptions.Panicf("ToScalar[%T] is incompatible with Tensor's dtype %s", value, t.shape.DType)
		}
		if !t.shape.IsScalar() {
			exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", value, t.shape)
		}
		value = flat.([]T)[0]
	})
	return value, err
}

// String implements fmt.Stringer, with a summary of the contents.
func (t *Tensor) String() string {
	if !t.Ok() {
		return fmt.Sprintf("Tensor(%s, not materialized)", t.DType())
	}
	return t.Summary(4)
}

func cloneFlat(flat any) any {
	flatV := reflect.ValueOf(flat)
	flatCopyV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(flatCopyV, flatV)
	return flatCopyV.Interface()
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for dim := len(dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

// createSlicesRecursively creates the sub-slices of a multidimensional slice, all pointing to
// regions of the flat data.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}
