// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and Device, the static descriptors attached to every node of a
// computation graph and to every materialized tensor.
//
// Shape is the pair of a DType (the type of the unit element) and the dimensions. DType is the
// enumeration defined in github.com/gomlx/gopjrt/dtypes. Go float16 support uses
// github.com/x448/float16 and bfloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value.
//
// Example: The multi-dimensional array `[][]int32{{0, 1, 2}, {3, 4, 5}}` has shape `(Int32)[2 3]`,
// created with `shapes.Make(dtypes.Int32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape is the static descriptor of a graph node or a tensor: its element type and dimensions.
// It is fixed once a node is constructed.
//
// Use Make to create a new shape. The zero Shape is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns the shape with the given dtype and dimensions. No dimensions means a scalar.
//
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	if idx := slices.IndexFunc(dimensions, func(dim int) bool { return dim <= 0 }); idx >= 0 {
		exceptions.Panicf("shapes.Make(%s, %v): axis %d has dimension %d, dimensions must be positive",
			dtype, dimensions, idx, dimensions[idx])
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Invalid returns an invalid shape, the same as the zero Shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether the shape has a dtype set.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank is the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is valid and has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of axis. Negative axes count from the end: -1 is the last axis.
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	rank := s.Rank()
	idx := axis
	if idx < 0 {
		idx += rank
	}
	if idx < 0 || idx >= rank {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for %s", axis, s)
	}
	return s.Dimensions[idx]
}

// String implements fmt.Stringer. E.g.: "(Float32)[2 3]", or "(Int64)" for a scalar.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size is the number of elements: the product of the dimensions, 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes of a buffer with this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal returns whether both dtype and dimensions are the same.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && s.EqualDimensions(other)
}

// EqualDimensions returns whether the dimensions are the same, regardless of dtype.
func (s Shape) EqualDimensions(other Shape) bool {
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	clone := s.Clone()
	clone.DType = dtype
	return clone
}

// Strides returns the row-major strides of each axis, in elements. Scalars have no strides.
func (s Shape) Strides() []int {
	if s.Rank() == 0 {
		return nil
	}
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}
