// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	dispatchFill   = NewDTypeDispatcher("Fill")
	dispatchArange = NewDTypeDispatcher("Arange")
)

func init() {
	registerNumeric[uint8](dtypes.Uint8)
	registerNumeric[uint32](dtypes.Uint32)
	registerNumeric[int32](dtypes.Int32)
	registerNumeric[int64](dtypes.Int64)
	registerNumeric[float32](dtypes.Float32)
	registerNumeric[float64](dtypes.Float64)
	registerHalf[float16.Float16](dtypes.Float16)
	registerHalf[bfloat16.BFloat16](dtypes.BFloat16)
}

func registerNumeric[T numeric](dtype dtypes.DType) {
	dispatchFill.Register(dtype, execFillGeneric[T])
	dispatchArange.Register(dtype, execArangeGeneric[T])
	dispatchTranspose.Register(dtype, execTransposeGeneric[T])
	dispatchMatMul.Register(dtype, execMatMulGeneric[T])
	dispatchCast.Register(dtype, execCastGeneric[T])
}

func registerHalf[H halfFloat](dtype dtypes.DType) {
	dispatchFill.Register(dtype, execFillHalf[H])
	dispatchArange.Register(dtype, execArangeHalf[H])
	dispatchTranspose.Register(dtype, execTransposeGeneric[H])
	dispatchCast.Register(dtype, execCastHalf[H])
}

// execFill returns a buffer with every element set to value, converted to the output dtype.
func (b *Backend) execFill(value float64, output shapes.Shape) *Buffer {
	out := b.NewBuffer(output)
	b.parallelFor(output.Size(), func(start, end int) {
		dispatchFill.Dispatch(output.DType, out.flat, value, start, end)
	})
	return out
}

func execFillGeneric[T numeric](params ...any) any {
	flat, value, start, end := params[0].([]T), fromFloat64[T](params[1].(float64)), params[2].(int), params[3].(int)
	for ii := start; ii < end; ii++ {
		flat[ii] = value
	}
	return nil
}

func execFillHalf[H halfFloat](params ...any) any {
	flat, start, end := params[0].([]H), params[2].(int), params[3].(int)
	value := halfFromFloat32[H](float32(params[1].(float64)))
	for ii := start; ii < end; ii++ {
		flat[ii] = value
	}
	return nil
}

// execArange returns a rank-1 buffer with out[i] = start + i*step, computed in float64 and
// converted (truncated and saturated for integers) to the output dtype.
func (b *Backend) execArange(start, step float64, output shapes.Shape) *Buffer {
	out := b.NewBuffer(output)
	b.parallelFor(output.Size(), func(from, to int) {
		dispatchArange.Dispatch(output.DType, out.flat, start, step, from, to)
	})
	return out
}

func execArangeGeneric[T numeric](params ...any) any {
	flat, first, step := params[0].([]T), params[1].(float64), params[2].(float64)
	from, to := params[3].(int), params[4].(int)
	for ii := from; ii < to; ii++ {
		flat[ii] = fromFloat64[T](first + float64(ii)*step)
	}
	return nil
}

func execArangeHalf[H halfFloat](params ...any) any {
	flat, first, step := params[0].([]H), params[1].(float64), params[2].(float64)
	from, to := params[3].(int), params[4].(int)
	for ii := from; ii < to; ii++ {
		flat[ii] = halfFromFloat32[H](float32(first + float64(ii)*step))
	}
	return nil
}
