// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxFusedInputs is the maximum number of distinct external inputs of a FusedProgram.
//
// WebGPU guarantees 8 storage buffers per shader stage, and the output takes one.
const MaxFusedInputs = 7

// FusedOperand selects an operand of a FusedStep: either one of the program inputs or the
// output of an earlier step.
type FusedOperand struct {
	// External is true if Index refers to a program input, false if it refers to a step.
	External bool
	Index    int
}

// FusedInput returns the operand referring to the i-th program input.
func FusedInput(i int) FusedOperand { return FusedOperand{External: true, Index: i} }

// FusedStepOutput returns the operand referring to the output of the i-th step.
func FusedStepOutput(i int) FusedOperand { return FusedOperand{Index: i} }

// String returns "i<n>" for inputs and "s<n>" for step outputs.
func (o FusedOperand) String() string {
	if o.External {
		return "i" + strconv.Itoa(o.Index)
	}
	return "s" + strconv.Itoa(o.Index)
}

// FusedStep is one elementwise op of a FusedProgram.
type FusedStep struct {
	Op       OpType
	Operands []FusedOperand
}

// FusedProgram is an ordered list of elementwise ops, all on the same dtype and number of
// elements, evaluated by a single kernel. The output of the last step is the program output.
type FusedProgram struct {
	DType     dtypes.DType
	NumInputs int
	Steps     []FusedStep
}

// ElementwiseProgram returns the program of a single elementwise op applied to its inputs in order.
func ElementwiseProgram(op OpType, dtype dtypes.DType) *FusedProgram {
	arity := op.Arity()
	step := FusedStep{Op: op, Operands: make([]FusedOperand, arity)}
	for ii := range arity {
		step.Operands[ii] = FusedInput(ii)
	}
	return &FusedProgram{DType: dtype, NumInputs: arity, Steps: []FusedStep{step}}
}

// Validate checks the wiring of the program. Errors wrap ErrCompilation.
func (p *FusedProgram) Validate() error {
	if len(p.Steps) == 0 {
		return errors.Wrap(ErrCompilation, "fused program has no steps")
	}
	if p.NumInputs < 0 || p.NumInputs > MaxFusedInputs {
		return errors.Wrapf(ErrCompilation, "fused program has %d inputs, at most %d are supported",
			p.NumInputs, MaxFusedInputs)
	}
	used := make([]bool, p.NumInputs)
	for ii, step := range p.Steps {
		if !step.Op.IsElementwise() {
			return errors.Wrapf(ErrCompilation, "fused program step #%d: op %s is not elementwise", ii, step.Op)
		}
		if len(step.Operands) != step.Op.Arity() {
			return errors.Wrapf(ErrCompilation, "fused program step #%d: op %s takes %d operands, got %d",
				ii, step.Op, step.Op.Arity(), len(step.Operands))
		}
		for _, operand := range step.Operands {
			if operand.External {
				if operand.Index < 0 || operand.Index >= p.NumInputs {
					return errors.Wrapf(ErrCompilation, "fused program step #%d: invalid input %s", ii, operand)
				}
				used[operand.Index] = true
			} else if operand.Index < 0 || operand.Index >= ii {
				return errors.Wrapf(ErrCompilation, "fused program step #%d: operand %s is not an earlier step", ii, operand)
			}
		}
	}
	for ii, u := range used {
		if !u {
			return errors.Wrapf(ErrCompilation, "fused program input #%d is never used", ii)
		}
	}
	return nil
}

// Signature is the identity of the compiled kernel: the sub-op list with its operand wiring,
// the dtype and the arity. E.g.: "Float32|3|Mul(i0,i1);Add(s0,i2)".
//
// Two programs with the same signature compile to the same kernel.
func (p *FusedProgram) Signature() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s|%d|", p.DType, p.NumInputs)
	for ii, step := range p.Steps {
		if ii > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(step.Op.String())
		sb.WriteByte('(')
		for jj, operand := range step.Operands {
			if jj > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(operand.String())
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
