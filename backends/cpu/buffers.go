// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"
	"sync"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var _ backends.DataInterface = (*Backend)(nil)

// Buffer is the host memory of one value: a flat slice of the shape's DType Go type.
type Buffer struct {
	shape     shapes.Shape
	flat      any
	finalized bool
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat slice, owned by the buffer.
func (b *Buffer) Flat() any { return b.flat }

// poolKey identifies interchangeable buffers: any shape with the same dtype and number of elements.
type poolKey struct {
	dtype  dtypes.DType
	length int
}

func (b *Backend) poolFor(key poolKey) *sync.Pool {
	if pool, found := b.bufferPools.Load(key); found {
		return pool.(*sync.Pool)
	}
	pool, _ := b.bufferPools.LoadOrStore(key, &sync.Pool{
		New: func() any {
			return &Buffer{flat: reflect.MakeSlice(reflect.SliceOf(key.dtype.GoType()), key.length, key.length).Interface()}
		},
	})
	return pool.(*sync.Pool)
}

// NewBuffer returns a buffer for the shape, recycled from the pool if possible. Its contents are
// undefined.
//
// It panics with an error wrapping backends.ErrResource if the memory limit would be exceeded.
func (b *Backend) NewBuffer(shape shapes.Shape) *Buffer {
	if err := b.memory.Allocate(uint64(shape.Memory())); err != nil {
		panic(errors.WithMessagef(err, "backend %s allocating %s", BackendName, shape))
	}
	buffer := b.poolFor(poolKey{shape.DType, shape.Size()}).Get().(*Buffer)
	buffer.shape = shape.Clone()
	buffer.finalized = false
	return buffer
}

// recycle returns the buffer to its pool. The caller must drop every reference to it.
func (b *Backend) recycle(buffer *Buffer) {
	buffer.finalized = true
	b.memory.Free(uint64(buffer.shape.Memory()))
	b.poolFor(poolKey{buffer.shape.DType, buffer.shape.Size()}).Put(buffer)
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// castBuffer converts a backends.Buffer to a live *Buffer.
func castBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buffer, ok := backendBuffer.(*Buffer)
	switch {
	case !ok:
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", backendBuffer, BackendName)
	case buffer == nil:
		return nil, errors.New("nil buffer")
	case buffer.finalized:
		return nil, errors.Errorf("buffer %p %s used after being finalized", buffer, buffer.shape)
	}
	return buffer, nil
}

// BufferFinalize implements backends.DataInterface. The memory is recycled for later buffers
// of the same dtype and size.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	if klog.V(3).Enabled() {
		klog.Infof("cpu: releasing buffer %p %s", buffer, buffer.shape)
	}
	b.recycle(buffer)
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

// checkFlat verifies flat is a slice of the Go type of shape.DType with shape.Size() elements.
func checkFlat(flat any, shape shapes.Shape) error {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		return errors.Errorf("flat (%T) doesn't match dtype %s", flat, shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return errors.Errorf("flat has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	return nil
}

// BufferToFlatData implements backends.DataInterface. The host is the device, so it is a copy.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return err
	}
	if err := checkFlat(flat, buffer.shape); err != nil {
		return errors.WithMessage(err, "BufferToFlatData")
	}
	copyFlat(flat, buffer.flat)
	return nil
}

// BufferFromFlatData implements backends.DataInterface.
func (b *Backend) BufferFromFlatData(flat any, shape shapes.Shape) (buffer backends.Buffer, err error) {
	if !shape.Ok() {
		return nil, errors.Errorf("BufferFromFlatData: invalid shape %s", shape)
	}
	if err := checkFlat(flat, shape); err != nil {
		return nil, errors.WithMessage(err, "BufferFromFlatData")
	}
	err = exceptions.TryCatch[error](func() {
		newBuffer := b.NewBuffer(shape)
		copyFlat(newBuffer.flat, flat)
		buffer = newBuffer
	})
	return
}
