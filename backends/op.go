// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Op is one operation with its static parameters. It is immutable once built.
//
// Only the fields relevant to Type are set:
//
//   - OpTypeFill: Value.
//   - OpTypeArange: Start and Step, the output is start + i*step.
//   - OpTypeMatMul: Alpha, Beta and HasBias. Inputs are (lhs, rhs) or (lhs, rhs, bias), and the
//     output is alpha*bias + beta*(lhs@rhs) if HasBias, lhs@rhs otherwise.
//   - OpTypeTranspose: Permutation, output axis i is input axis Permutation[i].
//   - OpTypeCast: the target dtype is the output shape dtype, the input dtype is in From.
//   - OpTypeFused: Program.
type Op struct {
	Type OpType

	Value       float64
	Start, Step float64
	Alpha, Beta float64
	HasBias     bool
	Permutation []int
	From        dtypes.DType
	Program     *FusedProgram
}

// String pretty-prints the op and its parameters.
func (op *Op) String() string {
	switch op.Type {
	case OpTypeFill:
		return fmt.Sprintf("Fill(%g)", op.Value)
	case OpTypeArange:
		return fmt.Sprintf("Arange(start=%g, step=%g)", op.Start, op.Step)
	case OpTypeMatMul:
		if op.HasBias {
			return fmt.Sprintf("MatMul(alpha=%g, beta=%g)", op.Alpha, op.Beta)
		}
		return "MatMul"
	case OpTypeTranspose:
		return fmt.Sprintf("Transpose%v", op.Permutation)
	case OpTypeCast:
		return fmt.Sprintf("Cast(from=%s)", op.From)
	case OpTypeFused:
		if op.Program == nil {
			return "Fused(<nil>)"
		}
		parts := make([]string, len(op.Program.Steps))
		for ii, step := range op.Program.Steps {
			parts[ii] = step.Op.String()
		}
		return fmt.Sprintf("Fused[%s]", strings.Join(parts, ","))
	}
	return op.Type.String()
}
