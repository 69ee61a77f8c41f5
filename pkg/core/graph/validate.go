// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrConstruction is wrapped by every *ConstructionError, so errors.Is can check for them.
var ErrConstruction = errors.New("invalid graph construction")

// ConstructionError reports an operation that can't be built with the given operands:
// mismatched shapes, dtypes, devices or graphs, or a handle that isn't a node of the graph.
type ConstructionError struct {
	// Op is the name of the construction function, e.g. "Add".
	Op     string
	Reason string
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Unwrap returns ErrConstruction.
func (e *ConstructionError) Unwrap() error { return ErrConstruction }

// newConstructionError returns a *ConstructionError with a stack-trace.
func newConstructionError(op, format string, args ...any) error {
	return errors.WithStack(&ConstructionError{Op: op, Reason: fmt.Sprintf(format, args...)})
}

// constructionPanicf panics with a *ConstructionError, with a stack-trace.
func constructionPanicf(op, format string, args ...any) {
	panic(newConstructionError(op, format, args...))
}

// checkOwned panics if t is not a node of g.
func (g *Graph) checkOwned(op string, t GraphTensor) {
	if g == nil {
		constructionPanicf(op, "nil Graph, maybe a zero GraphTensor was used")
	}
	if t.graph == nil {
		constructionPanicf(op, "invalid GraphTensor (zero value) used in graph %q", g.name)
	}
	if t.graph != g {
		constructionPanicf(op, "operand #%d is from graph %q, not from graph %q", t.id, t.graph.name, g.name)
	}
	if t.id < 0 || int(t.id) >= len(g.nodes) {
		constructionPanicf(op, "dangling node reference #%d, graph %q has %d nodes", t.id, g.name, len(g.nodes))
	}
}

// checkShape panics if shape is not valid for a node: unsupported dtype or non-positive dimension.
func checkShape(op string, shape shapes.Shape) {
	if !shapes.IsSupported(shape.DType) {
		constructionPanicf(op, "dtype %s not supported, must be one of %v", shape.DType, shapes.SupportedDTypes)
	}
	for axis, dim := range shape.Dimensions {
		if dim <= 0 {
			constructionPanicf(op, "shape %s has non-positive dimension %d on axis %d", shape, dim, axis)
		}
	}
}

// checkDevice panics if device is not valid.
func checkDevice(op string, device shapes.Device) {
	if !device.Ok() {
		constructionPanicf(op, "invalid device %s", device)
	}
}

// operandNodes validates that all operands are nodes of the same graph and device,
// and returns the graph and the operand nodes.
//
// This is the entry point of validation for every operation with inputs.
func operandNodes(op string, operands ...GraphTensor) (*Graph, []*Node) {
	if len(operands) == 0 || operands[0].graph == nil {
		constructionPanicf(op, "invalid GraphTensor (zero value) given as operand #0")
	}
	g := operands[0].graph
	nodes := make([]*Node, len(operands))
	for ii, operand := range operands {
		g.checkOwned(op, operand)
		nodes[ii] = g.nodes[operand.id]
		if nodes[ii].device != nodes[0].device {
			constructionPanicf(op, "operand #%d is on device %s, operand #0 is on device %s",
				ii, nodes[ii].device, nodes[0].device)
		}
	}
	return g, nodes
}

// checkElementwise validates the operands of an elementwise op and returns the output shape.
func checkElementwise(opType backends.OpType, nodes []*Node) shapes.Shape {
	op := opType.String()
	if len(nodes) != opType.Arity() {
		constructionPanicf(op, "takes %d operands, got %d", opType.Arity(), len(nodes))
	}
	shape := nodes[0].shape
	for ii, node := range nodes[1:] {
		if node.shape.DType != shape.DType {
			constructionPanicf(op, "operand #%d has dtype %s, operand #0 has dtype %s", ii+1, node.shape.DType, shape.DType)
		}
		if !node.shape.EqualDimensions(shape) {
			constructionPanicf(op, "operand #%d has shape %s, operand #0 has shape %s", ii+1, node.shape, shape)
		}
	}
	checkDTypeForOp(opType, shape.DType)
	return shape
}

// checkDTypeForOp panics if the elementwise op is not defined for the dtype.
func checkDTypeForOp(opType backends.OpType, dtype dtypes.DType) {
	if opType.FloatOnly() && !shapes.IsFloat(dtype) {
		constructionPanicf(opType.String(), "only defined for floating point dtypes, got %s", dtype)
	}
	if opType.SignedOnly() && shapes.IsUnsigned(dtype) {
		constructionPanicf(opType.String(), "not defined for unsigned dtype %s", dtype)
	}
}

// matMulOutputShape validates the operands of a matrix multiplication and returns the output shape.
func matMulOutputShape(op string, lhs, rhs shapes.Shape) shapes.Shape {
	if lhs.DType != rhs.DType {
		constructionPanicf(op, "lhs has dtype %s, rhs has dtype %s", lhs.DType, rhs.DType)
	}
	if lhs.Rank() != rhs.Rank() || lhs.Rank() < 2 || lhs.Rank() > 3 {
		constructionPanicf(op, "lhs and rhs must both be rank 2 ([M, K] x [K, N]) or rank 3 ([B, M, K] x [B, K, N]), "+
			"got lhs %s and rhs %s", lhs, rhs)
	}
	if lhs.Rank() == 3 && lhs.Dimensions[0] != rhs.Dimensions[0] {
		constructionPanicf(op, "batch dimensions don't match: lhs %s and rhs %s", lhs, rhs)
	}
	if lhs.Dim(-1) != rhs.Dim(-2) {
		constructionPanicf(op, "contracting dimensions don't match: lhs %s and rhs %s", lhs, rhs)
	}
	dims := slices.Clone(lhs.Dimensions)
	dims[len(dims)-1] = rhs.Dim(-1)
	return shapes.Make(lhs.DType, dims...)
}

// checkPermutation panics if permutation is not a permutation of the axes of a shape of rank.
func checkPermutation(op string, rank int, permutation []int) {
	if len(permutation) != rank {
		constructionPanicf(op, "permutation %v has %d axes, operand has rank %d", permutation, len(permutation), rank)
	}
	seen := make([]bool, rank)
	for _, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			constructionPanicf(op, "invalid permutation %v for rank %d", permutation, rank)
		}
		seen[axis] = true
	}
}
