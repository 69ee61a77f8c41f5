// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "github.com/gomlx/gopjrt/dtypes"

// SupportedDTypes lists the element types graphs can be built with, ordered from the narrowest.
var SupportedDTypes = []dtypes.DType{
	dtypes.Uint8, dtypes.Uint32, dtypes.Int32, dtypes.Int64,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
}

// IsSupported returns whether dtype is one of SupportedDTypes.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint32, dtypes.Int32, dtypes.Int64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// IsFloat returns whether dtype is a floating point type, including the reduced precision ones.
func IsFloat(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// IsHalf returns whether dtype is one of the 16-bit float types, which are computed in float32 on the host.
func IsHalf(dtype dtypes.DType) bool {
	return dtype == dtypes.Float16 || dtype == dtypes.BFloat16
}

// IsUnsigned returns whether dtype is an unsigned integer.
func IsUnsigned(dtype dtypes.DType) bool {
	return dtype == dtypes.Uint8 || dtype == dtypes.Uint32
}

// IsInteger returns whether dtype is a signed or unsigned integer.
func IsInteger(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint32, dtypes.Int32, dtypes.Int64:
		return true
	}
	return false
}
