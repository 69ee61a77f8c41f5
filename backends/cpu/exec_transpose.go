// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

var dispatchTranspose = NewDTypeDispatcher("Transpose")

// execTranspose returns a row-major buffer where output axis i is the input axis permutation[i].
func (b *Backend) execTranspose(permutation []int, operand *Buffer, output shapes.Shape) *Buffer {
	rank := operand.shape.Rank()
	if len(permutation) != rank || output.Rank() != rank {
		exceptions.Panicf("Transpose%v of %s into %s: invalid rank", permutation, operand.shape, output)
	}
	inputStrides := operand.shape.Strides()
	// srcStrides[i] is how much the input flat index moves when output axis i increments.
	srcStrides := make([]int, rank)
	for axis, srcAxis := range permutation {
		srcStrides[axis] = inputStrides[srcAxis]
	}
	out := b.NewBuffer(output)
	b.parallelFor(output.Size(), func(start, end int) {
		dispatchTranspose.Dispatch(output.DType, operand.flat, out.flat, output.Dimensions, srcStrides, start, end)
	})
	return out
}

func execTransposeGeneric[T any](params ...any) any {
	src, dst := params[0].([]T), params[1].([]T)
	dims, srcStrides := params[2].([]int), params[3].([]int)
	start, end := params[4].(int), params[5].(int)
	rank := len(dims)
	if rank == 0 {
		copy(dst[start:end], src[start:end])
		return nil
	}

	// Position the multi-index at the output flat index start.
	indices := make([]int, rank)
	srcIdx := 0
	remaining := start
	for axis := rank - 1; axis >= 0; axis-- {
		indices[axis] = remaining % dims[axis]
		remaining /= dims[axis]
		srcIdx += indices[axis] * srcStrides[axis]
	}

	for dstIdx := start; dstIdx < end; dstIdx++ {
		dst[dstIdx] = src[srcIdx]
		// Increment the multi-index, last axis first.
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			srcIdx += srcStrides[axis]
			if indices[axis] < dims[axis] {
				break
			}
			srcIdx -= srcStrides[axis] * dims[axis]
			indices[axis] = 0
		}
	}
	return nil
}
