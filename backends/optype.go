// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// OpType is an enum of all operations that can be supported by a Backend.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Constant generators, without inputs.
	OpTypeFill
	OpTypeArange

	// Elementwise unary ops.
	OpTypeNeg
	OpTypeAbs
	OpTypeSqrt
	OpTypeExp
	OpTypeLog
	OpTypeSin
	OpTypeCos
	OpTypeTanh
	OpTypeReciprocal
	OpTypeSquare
	OpTypeRelu

	// Elementwise binary ops.
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeMax
	OpTypeMin

	// OpTypeFusedMulAdd computes a*b+c with a single rounding where the device supports it.
	OpTypeFusedMulAdd

	// OpTypeFused runs a FusedProgram of elementwise ops in one kernel.
	OpTypeFused

	OpTypeMatMul
	OpTypeTranspose
	OpTypeCast

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:     "Invalid",
	OpTypeFill:        "Fill",
	OpTypeArange:      "Arange",
	OpTypeNeg:         "Neg",
	OpTypeAbs:         "Abs",
	OpTypeSqrt:        "Sqrt",
	OpTypeExp:         "Exp",
	OpTypeLog:         "Log",
	OpTypeSin:         "Sin",
	OpTypeCos:         "Cos",
	OpTypeTanh:        "Tanh",
	OpTypeReciprocal:  "Reciprocal",
	OpTypeSquare:      "Square",
	OpTypeRelu:        "Relu",
	OpTypeAdd:         "Add",
	OpTypeSub:         "Sub",
	OpTypeMul:         "Mul",
	OpTypeDiv:         "Div",
	OpTypeMax:         "Max",
	OpTypeMin:         "Min",
	OpTypeFusedMulAdd: "FusedMulAdd",
	OpTypeFused:       "Fused",
	OpTypeMatMul:      "MatMul",
	OpTypeTranspose:   "Transpose",
	OpTypeCast:        "Cast",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op >= 0 && int(op) < len(opTypeNames) && opTypeNames[op] != "" {
		return opTypeNames[op]
	}
	return fmt.Sprintf("OpType(%d)", int(op))
}

// IsUnary returns whether op is an elementwise op with one operand.
func (op OpType) IsUnary() bool {
	return op >= OpTypeNeg && op <= OpTypeRelu
}

// IsBinary returns whether op is an elementwise op with two operands.
func (op OpType) IsBinary() bool {
	return op >= OpTypeAdd && op <= OpTypeMin
}

// IsElementwise returns whether op can be a step of a FusedProgram:
// unary, binary or fused multiply-add.
func (op OpType) IsElementwise() bool {
	return op.IsUnary() || op.IsBinary() || op == OpTypeFusedMulAdd
}

// Arity returns the number of operands of an elementwise op, or 0 if op is not elementwise.
func (op OpType) Arity() int {
	switch {
	case op.IsUnary():
		return 1
	case op.IsBinary():
		return 2
	case op == OpTypeFusedMulAdd:
		return 3
	}
	return 0
}

// FloatOnly returns whether the elementwise op is only defined for floating point dtypes.
func (op OpType) FloatOnly() bool {
	switch op {
	case OpTypeSqrt, OpTypeExp, OpTypeLog, OpTypeSin, OpTypeCos, OpTypeTanh, OpTypeReciprocal:
		return true
	}
	return false
}

// SignedOnly returns whether the elementwise op is undefined for unsigned integers.
func (op OpType) SignedOnly() bool {
	return op == OpTypeNeg || op == OpTypeAbs
}
