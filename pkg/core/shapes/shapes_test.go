// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))
	require.Equal(t, "(Float64)", shape0.String())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*3*2*4, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())

	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(shape1.WithDType(dtypes.Int32)))
	require.True(t, shape1.EqualDimensions(shape1.WithDType(dtypes.Int32)))
	require.False(t, shape1.Equal(Make(dtypes.Float32, 4, 6)))

	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
	require.Panics(t, func() { shape1.Dim(3) })
}

func TestDevice(t *testing.T) {
	var zero Device
	assert.True(t, zero.IsCPU())
	assert.Equal(t, CPU(), zero)
	assert.Equal(t, "cpu", CPU().String())
	assert.Equal(t, "gpu:1", GPU(1).String())
	assert.True(t, GPU(0).IsGPU())
	assert.NotEqual(t, GPU(0), GPU(1))
	assert.False(t, Device{Kind: KindCPU, Index: 2}.Ok())
	assert.False(t, Device{Kind: DeviceKind(7)}.Ok())
}

func TestDTypeClasses(t *testing.T) {
	for _, dtype := range SupportedDTypes {
		assert.True(t, IsSupported(dtype), dtype.String())
		assert.NotEqual(t, IsFloat(dtype), IsInteger(dtype), dtype.String())
	}
	assert.False(t, IsSupported(dtypes.Complex64))
	assert.False(t, IsSupported(dtypes.Bool))
	assert.True(t, IsHalf(dtypes.BFloat16))
	assert.False(t, IsHalf(dtypes.Float32))
	assert.True(t, IsUnsigned(dtypes.Uint8))
	assert.False(t, IsUnsigned(dtypes.Int32))
}
