// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// dispatchCast is dispatched on the source dtype.
var dispatchCast = NewDTypeDispatcher("Cast")

// execCast converts every element to the output dtype. Floats converted to integers are
// truncated toward zero and saturated (see fromFloat64). Integer conversions wrap.
func (b *Backend) execCast(operand *Buffer, output shapes.Shape) *Buffer {
	if !operand.shape.EqualDimensions(output) {
		exceptions.Panicf("Cast of %s into %s: dimensions differ", operand.shape, output)
	}
	if operand.shape.DType == output.DType {
		return b.cloneBuffer(operand)
	}
	out := b.NewBuffer(output)
	b.parallelFor(output.Size(), func(start, end int) {
		dispatchCast.Dispatch(operand.shape.DType, operand.flat, out.flat, start, end)
	})
	return out
}

// cloneBuffer using the pool to allocate a new one.
func (b *Backend) cloneBuffer(buffer *Buffer) *Buffer {
	newBuffer := b.NewBuffer(buffer.shape)
	copyFlat(newBuffer.flat, buffer.flat)
	return newBuffer
}

func castSlice[F, T numeric](src []F, dst []T) {
	if isFloat[F]() {
		for ii, v := range src {
			dst[ii] = fromFloat64[T](float64(v))
		}
		return
	}
	for ii, v := range src {
		dst[ii] = T(v)
	}
}

func castToHalfs[F numeric, H halfFloat](src []F, dst []H) {
	for ii, v := range src {
		dst[ii] = halfFromFloat32[H](float32(v))
	}
}

func execCastGeneric[F numeric](params ...any) any {
	start, end := params[2].(int), params[3].(int)
	castFrom(params[0].([]F)[start:end], params[1], start, end)
	return nil
}

// execCastHalf converts through float32.
func execCastHalf[H halfFloat](params ...any) any {
	src, start, end := params[0].([]H), params[2].(int), params[3].(int)
	src32 := make([]float32, end-start)
	halfsToFloat32(src[start:end], src32)
	castFrom(src32, params[1], start, end)
	return nil
}

// castFrom converts src, the range [start, end) of the source, into the same range of dst.
func castFrom[F numeric](src []F, dst any, start, end int) {
	switch d := dst.(type) {
	case []uint8:
		castSlice(src, d[start:end])
	case []uint32:
		castSlice(src, d[start:end])
	case []int32:
		castSlice(src, d[start:end])
	case []int64:
		castSlice(src, d[start:end])
	case []float32:
		castSlice(src, d[start:end])
	case []float64:
		castSlice(src, d[start:end])
	case []float16.Float16:
		castToHalfs(src, d[start:end])
	case []bfloat16.BFloat16:
		castToHalfs(src, d[start:end])
	default:
		exceptions.Panicf("Cast: unsupported target flat type %T", dst)
	}
}
