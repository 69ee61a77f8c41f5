// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// newNode registers a node with the given op, output shape and operand nodes, all already validated.
func (g *Graph) newNode(op *backends.Op, shape shapes.Shape, device shapes.Device, inputs []*Node) GraphTensor {
	ids := make([]NodeID, len(inputs))
	for ii, input := range inputs {
		ids[ii] = input.id
	}
	return g.registerNode(&Node{op: op, shape: shape.Clone(), device: device, inputs: ids})
}

// checkGraph panics if g is nil.
func checkGraph(op string, g *Graph) {
	if g == nil {
		constructionPanicf(op, "nil Graph")
	}
}

// Fill returns a constant with the given shape where every element is value, converted to
// the shape's dtype.
func Fill(g *Graph, device shapes.Device, shape shapes.Shape, value float64) GraphTensor {
	checkGraph("Fill", g)
	checkDevice("Fill", device)
	checkShape("Fill", shape)
	return g.newNode(&backends.Op{Type: backends.OpTypeFill, Value: value}, shape, device, nil)
}

// Zeros returns a constant with the given shape filled with 0.
func Zeros(g *Graph, device shapes.Device, shape shapes.Shape) GraphTensor {
	return Fill(g, device, shape, 0)
}

// Ones returns a constant with the given shape filled with 1.
func Ones(g *Graph, device shapes.Device, shape shapes.Shape) GraphTensor {
	return Fill(g, device, shape, 1)
}

// Arange returns the rank-1 constant start + i*step, for i in [0, shape.Dimensions[0]).
func Arange(g *Graph, device shapes.Device, shape shapes.Shape, start, step float64) GraphTensor {
	checkGraph("Arange", g)
	checkDevice("Arange", device)
	checkShape("Arange", shape)
	if shape.Rank() != 1 {
		constructionPanicf("Arange", "requires a rank-1 shape, got %s", shape)
	}
	return g.newNode(&backends.Op{Type: backends.OpTypeArange, Start: start, Step: step}, shape, device, nil)
}

// ArangeFromTo returns the rank-1 constant of n=shape.Dimensions[0] values evenly spaced from start
// towards stop, with step (stop-start)/n. So stop itself is not included.
func ArangeFromTo(g *Graph, device shapes.Device, shape shapes.Shape, start, stop float64) GraphTensor {
	checkShape("ArangeFromTo", shape)
	if shape.Rank() != 1 {
		constructionPanicf("ArangeFromTo", "requires a rank-1 shape, got %s", shape)
	}
	return Arange(g, device, shape, start, (stop-start)/float64(shape.Dimensions[0]))
}

// elementwiseOp validates and creates an unary, binary or fused multiply-add node.
func elementwiseOp(opType backends.OpType, operands ...GraphTensor) GraphTensor {
	g, nodes := operandNodes(opType.String(), operands...)
	shape := checkElementwise(opType, nodes)
	return g.newNode(&backends.Op{Type: opType}, shape, nodes[0].device, nodes)
}

// Neg returns -x. Not defined for unsigned dtypes.
func Neg(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeNeg, x) }

// Abs returns |x|. Not defined for unsigned dtypes.
func Abs(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeAbs, x) }

// Sqrt returns the square root of x. Only defined for floating point dtypes.
func Sqrt(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeSqrt, x) }

// Exp returns e^x. Only defined for floating point dtypes.
func Exp(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeExp, x) }

// Log returns the natural logarithm of x. Only defined for floating point dtypes.
func Log(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeLog, x) }

// Sin returns the sine of x, in radians. Only defined for floating point dtypes.
func Sin(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeSin, x) }

// Cos returns the cosine of x, in radians. Only defined for floating point dtypes.
func Cos(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeCos, x) }

// Tanh returns the hyperbolic tangent of x. Only defined for floating point dtypes.
func Tanh(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeTanh, x) }

// Reciprocal returns 1/x. Only defined for floating point dtypes.
func Reciprocal(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeReciprocal, x) }

// Square returns x*x.
func Square(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeSquare, x) }

// Relu returns max(x, 0).
func Relu(x GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeRelu, x) }

// Add returns lhs + rhs. Operands must have the same shape, dtype and device.
func Add(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeAdd, lhs, rhs) }

// Sub returns lhs - rhs.
func Sub(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeSub, lhs, rhs) }

// Mul returns lhs * rhs.
func Mul(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeMul, lhs, rhs) }

// Div returns lhs / rhs. Integer division truncates toward zero.
func Div(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeDiv, lhs, rhs) }

// Max returns the elementwise maximum of lhs and rhs.
func Max(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeMax, lhs, rhs) }

// Min returns the elementwise minimum of lhs and rhs.
func Min(lhs, rhs GraphTensor) GraphTensor { return elementwiseOp(backends.OpTypeMin, lhs, rhs) }

// FusedMulAdd returns a*b + c, with a single rounding where the device supports it.
//
// Graph.Optimize introduces it automatically for floating point Add(Mul(a, b), c).
func FusedMulAdd(a, b, c GraphTensor) GraphTensor {
	return elementwiseOp(backends.OpTypeFusedMulAdd, a, b, c)
}

// MatMul returns the matrix product lhs x rhs: [M, K] x [K, N] -> [M, N], or batched with
// [B, M, K] x [B, K, N] -> [B, M, N].
func MatMul(lhs, rhs GraphTensor) GraphTensor {
	g, nodes := operandNodes("MatMul", lhs, rhs)
	shape := matMulOutputShape("MatMul", nodes[0].shape, nodes[1].shape)
	return g.newNode(&backends.Op{Type: backends.OpTypeMatMul}, shape, nodes[0].device, nodes)
}

// MatMulAxpby returns alpha*bias + beta*(lhs x rhs), where bias has the shape of the product.
// See MatMul for the accepted shapes.
func MatMulAxpby(lhs, rhs, bias GraphTensor, alpha, beta float64) GraphTensor {
	g, nodes := operandNodes("MatMulAxpby", lhs, rhs, bias)
	shape := matMulOutputShape("MatMulAxpby", nodes[0].shape, nodes[1].shape)
	if !nodes[2].shape.Equal(shape) {
		constructionPanicf("MatMulAxpby", "bias has shape %s, the product of lhs %s and rhs %s has shape %s",
			nodes[2].shape, nodes[0].shape, nodes[1].shape, shape)
	}
	op := &backends.Op{Type: backends.OpTypeMatMul, Alpha: alpha, Beta: beta, HasBias: true}
	return g.newNode(op, shape, nodes[0].device, nodes)
}

// Transpose permutes the axes of x: output axis i is the input axis permutation[i].
// The result has a contiguous row-major layout.
func Transpose(x GraphTensor, permutation ...int) GraphTensor {
	g, nodes := operandNodes("Transpose", x)
	shape := nodes[0].shape
	checkPermutation("Transpose", shape.Rank(), permutation)
	dims := make([]int, len(permutation))
	for ii, axis := range permutation {
		dims[ii] = shape.Dimensions[axis]
	}
	op := &backends.Op{Type: backends.OpTypeTranspose, Permutation: append([]int(nil), permutation...)}
	return g.newNode(op, shapes.Make(shape.DType, dims...), nodes[0].device, nodes)
}

// Cast converts x to dtype. Floating point to integer conversions truncate toward zero.
//
// If x already has the dtype, it is returned unchanged.
func Cast(x GraphTensor, dtype dtypes.DType) GraphTensor {
	g, nodes := operandNodes("Cast", x)
	shape := nodes[0].shape
	if shape.DType == dtype {
		return x
	}
	output := shape.WithDType(dtype)
	checkShape("Cast", output)
	op := &backends.Op{Type: backends.OpTypeCast, From: shape.DType}
	return g.newNode(op, output, nodes[0].device, nodes)
}
