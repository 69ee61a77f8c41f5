// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FuncForDispatcher is the type of functions that the DTypeDispatcher can handle.
type FuncForDispatcher func(params ...any) any

// MaxDTypes is an upper bound on the dtype enum values handled by a DTypeDispatcher.
const MaxDTypes = 32

// DTypeDispatcher calls the instance of a generic function that matches a dtype.
type DTypeDispatcher struct {
	Name  string
	fnMap [MaxDTypes]FuncForDispatcher
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher(name string) *DTypeDispatcher {
	return &DTypeDispatcher{
		Name: name,
	}
}

// Dispatch calls the function that matches the dtype.
func (d *DTypeDispatcher) Dispatch(dtype dtypes.DType, params ...any) any {
	if dtype < 0 || dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	fn := d.fnMap[dtype]
	if fn == nil {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	return fn(params...)
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher) Register(dtype dtypes.DType, fn FuncForDispatcher) {
	if dtype < 0 || dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = fn
}

// numeric are the Go types computed natively by the kernels.
type numeric interface {
	constraints.Integer | constraints.Float
}

// halfFloat are the 16-bit float types, stored natively and computed in float32.
type halfFloat interface {
	float16.Float16 | bfloat16.BFloat16
}

func halfToFloat32[H halfFloat](h H) float32 {
	switch v := any(h).(type) {
	case float16.Float16:
		return v.Float32()
	case bfloat16.BFloat16:
		return v.Float32()
	}
	return 0
}

func halfFromFloat32[H halfFloat](f float32) H {
	var h H
	switch any(h).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(f)).(H)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32(f)).(H)
	}
	return h
}

// halfsToFloat32 converts src into dst, they must have the same length.
func halfsToFloat32[H halfFloat](src []H, dst []float32) {
	for ii, v := range src {
		dst[ii] = halfToFloat32(v)
	}
}

// float32ToHalfs converts src into dst, they must have the same length.
func float32ToHalfs[H halfFloat](src []float32, dst []H) {
	for ii, v := range src {
		dst[ii] = halfFromFloat32[H](v)
	}
}

// toFloat32 returns the flat values of a half-precision slice as a new []float32.
func toFloat32(flat any) []float32 {
	switch f := flat.(type) {
	case []float16.Float16:
		out := make([]float32, len(f))
		halfsToFloat32(f, out)
		return out
	case []bfloat16.BFloat16:
		out := make([]float32, len(f))
		halfsToFloat32(f, out)
		return out
	case []float32:
		return f
	}
	exceptions.Panicf("toFloat32: unsupported flat type %T", flat)
	return nil
}

// fromFloat32 converts src into the half-precision slice dst, over the range [start, end).
func fromFloat32(src []float32, dst any, start, end int) {
	switch d := dst.(type) {
	case []float16.Float16:
		float32ToHalfs(src[start:end], d[start:end])
	case []bfloat16.BFloat16:
		float32ToHalfs(src[start:end], d[start:end])
	default:
		exceptions.Panicf("fromFloat32: unsupported flat type %T", dst)
	}
}

// valueKind classifies a dtype for the kernels whose semantics differ across families.
type valueKind int

const (
	kindFloat valueKind = iota
	kindSigned
	kindUnsigned
)

func kindOf(dtype dtypes.DType) valueKind {
	switch dtype {
	case dtypes.Int32, dtypes.Int64:
		return kindSigned
	case dtypes.Uint8, dtypes.Uint32:
		return kindUnsigned
	}
	return kindFloat
}

// isFloat returns whether T is a native float type.
func isFloat[T numeric]() bool {
	var t T
	switch any(t).(type) {
	case float32, float64:
		return true
	}
	return false
}

// fromFloat64 converts v to T. Conversions to integers truncate toward zero and saturate at the
// bounds of T, and NaN becomes 0: plain Go conversions are implementation-defined out of range.
func fromFloat64[T numeric](v float64) T {
	var t T
	var lo, hi float64
	switch any(t).(type) {
	case float32, float64:
		return T(v)
	case uint8:
		lo, hi = 0, math.MaxUint8
	case uint32:
		lo, hi = 0, math.MaxUint32
	case int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case int64:
		// 2^63 is not representable as int64, so the bounds are checked apart.
		var bound int64 = math.MaxInt64
		if v >= 0x1p63 {
			return T(bound)
		}
		bound = math.MinInt64
		if v <= -0x1p63 {
			return T(bound)
		}
		lo, hi = -0x1p63, 0x1p63
	}
	switch {
	case math.IsNaN(v):
		return 0
	case v <= lo:
		return T(lo)
	case v >= hi:
		return T(hi)
	}
	return T(v)
}
