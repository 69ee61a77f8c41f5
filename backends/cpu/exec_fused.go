// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"slices"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// fusedKernel is a FusedProgram compiled for its dtype.
//
// run evaluates the program over the range [start, end) of the flat inputs, writing the same
// range of out. Ranges are independent, so run can be called concurrently on disjoint ranges.
type fusedKernel struct {
	signature string
	numInputs int
	run       func(inputs []any, out any, start, end int)
}

// compileFused returns the cached kernel for the program, compiling it on a miss.
func (b *Backend) compileFused(program *backends.FusedProgram) (*fusedKernel, error) {
	signature := program.Signature()
	return b.kernels.Get(signature, func() (*fusedKernel, error) {
		if err := program.Validate(); err != nil {
			return nil, err
		}
		kernel := &fusedKernel{signature: signature, numInputs: program.NumInputs}
		steps := slices.Clone(program.Steps)
		switch program.DType {
		case dtypes.Uint8:
			kernel.run = compileSteps[uint8](steps, kindUnsigned)
		case dtypes.Uint32:
			kernel.run = compileSteps[uint32](steps, kindUnsigned)
		case dtypes.Int32:
			kernel.run = compileSteps[int32](steps, kindSigned)
		case dtypes.Int64:
			kernel.run = compileSteps[int64](steps, kindSigned)
		case dtypes.Float32:
			kernel.run = compileSteps[float32](steps, kindFloat)
		case dtypes.Float64:
			kernel.run = compileSteps[float64](steps, kindFloat)
		case dtypes.Float16:
			kernel.run = compileHalfSteps[float16.Float16](steps)
		case dtypes.BFloat16:
			kernel.run = compileHalfSteps[bfloat16.BFloat16](steps)
		default:
			return nil, errors.Wrapf(backends.ErrCompilation, "dtype %s not supported by backend %s", program.DType, BackendName)
		}
		return kernel, nil
	})
}

func compileSteps[T numeric](steps []backends.FusedStep, kind valueKind) func(inputs []any, out any, start, end int) {
	return func(inputs []any, out any, start, end int) {
		ins := make([][]T, len(inputs))
		for ii, input := range inputs {
			ins[ii] = input.([]T)[start:end]
		}
		runSteps(steps, kind, ins, out.([]T)[start:end])
	}
}

// compileHalfSteps computes the program in float32 and rounds only the final result.
func compileHalfSteps[H halfFloat](steps []backends.FusedStep) func(inputs []any, out any, start, end int) {
	return func(inputs []any, out any, start, end int) {
		n := end - start
		ins := make([][]float32, len(inputs))
		for ii, input := range inputs {
			ins[ii] = make([]float32, n)
			halfsToFloat32(input.([]H)[start:end], ins[ii])
		}
		result := make([]float32, n)
		runSteps(steps, kindFloat, ins, result)
		float32ToHalfs(result, out.([]H)[start:end])
	}
}

// runSteps evaluates the steps over range-sized slices. Only the last step writes to out,
// the others write to scratch slices.
func runSteps[T numeric](steps []backends.FusedStep, kind valueKind, ins [][]T, out []T) {
	n := len(out)
	results := make([][]T, len(steps))
	var args [3][]T
	for si, step := range steps {
		dst := out
		if si < len(steps)-1 {
			dst = make([]T, n)
		}
		for oi, operand := range step.Operands {
			if operand.External {
				args[oi] = ins[operand.Index]
			} else {
				args[oi] = results[operand.Index]
			}
		}
		switch {
		case step.Op.IsUnary():
			applyUnary(step.Op, dst, args[0])
		case step.Op.IsBinary():
			applyBinary(step.Op, kind, dst, args[0], args[1])
		default:
			applyFusedMulAdd(kind, dst, args[0], args[1], args[2])
		}
		results[si] = dst
	}
}

// execFused runs an elementwise program: inputs and output all have the same shape.
func (b *Backend) execFused(program *backends.FusedProgram, inputs []*Buffer, owned []bool, output shapes.Shape) *Buffer {
	if program == nil {
		exceptions.Panicf("fused op without a program")
	}
	if program.DType != output.DType {
		exceptions.Panicf("fused program dtype %s doesn't match output %s", program.DType, output)
	}
	if len(inputs) != program.NumInputs {
		exceptions.Panicf("fused program %q takes %d inputs, got %d", program.Signature(), program.NumInputs, len(inputs))
	}
	for ii, input := range inputs {
		if !input.shape.Equal(output) {
			exceptions.Panicf("fused program %q input #%d has shape %s, expected %s",
				program.Signature(), ii, input.shape, output)
		}
	}
	kernel, err := b.compileFused(program)
	if err != nil {
		panic(err)
	}
	out := b.outputBuffer(inputs, owned, output)
	flats := make([]any, len(inputs))
	isNew := true
	for ii, input := range inputs {
		flats[ii] = input.flat
		isNew = isNew && input != out
	}
	if isNew {
		// A failing kernel doesn't leak its output.
		defer func() {
			if r := recover(); r != nil {
				b.recycle(out)
				panic(r)
			}
		}()
	}
	b.parallelFor(output.Size(), func(start, end int) {
		kernel.run(flats, out.flat, start, end)
	})
	return out
}
