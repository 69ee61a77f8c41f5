// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxWorkgroupsPerDimension is the WebGPU default limit of workgroups along one dispatch dimension.
const MaxWorkgroupsPerDimension = 65535

// paramsSize is the size of the uniform Params struct of the elementwise kernels.
const paramsSize = 16

// matMulParamsSize is the size of the uniform MatMulParams struct.
const matMulParamsSize = 32

// wgslType returns the WGSL scalar type for the dtype.
func wgslType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "f32", nil
	case dtypes.Int32:
		return "i32", nil
	case dtypes.Uint32:
		return "u32", nil
	}
	return "", errors.Wrapf(backends.ErrCompilation, "dtype %s has no WGSL equivalent", dtype)
}

// kernelSignature identifies the kernel source generated for the op: equal signatures generate
// the same source.
func kernelSignature(op *backends.Op, inputs []shapes.Shape, output shapes.Shape, workgroupSize int) string {
	var sig string
	switch {
	case op.Type == backends.OpTypeFused:
		if op.Program == nil {
			sig = "Fused(<nil>)"
		} else {
			sig = op.Program.Signature()
		}
	case op.Type.IsElementwise():
		sig = backends.ElementwiseProgram(op.Type, output.DType).Signature()
	case op.Type == backends.OpTypeMatMul:
		sig = fmt.Sprintf("MatMul|%s|bias=%v", output.DType, op.HasBias)
	case op.Type == backends.OpTypeTranspose:
		var dims []int
		if len(inputs) > 0 {
			dims = inputs[0].Dimensions
		}
		sig = fmt.Sprintf("Transpose|%s|%v|%v", output.DType, dims, op.Permutation)
	case op.Type == backends.OpTypeCast:
		sig = fmt.Sprintf("Cast|%s|%s", op.From, output.DType)
	case op.Type == backends.OpTypeArange:
		sig = fmt.Sprintf("Arange|%s|integral=%v", output.DType, integralArange(op, output.DType))
	default:
		sig = fmt.Sprintf("%s|%s", op.Type, output.DType)
	}
	return fmt.Sprintf("%s|wg%d", sig, workgroupSize)
}

// kernelSource generates the WGSL compute shader for the op. Errors wrap backends.ErrCompilation.
//
// Bindings are the inputs in order, then the output, then the uniform params.
func kernelSource(op *backends.Op, inputs []shapes.Shape, output shapes.Shape, workgroupSize int) (string, error) {
	switch {
	case op.Type == backends.OpTypeFill:
		return fillSource(output.DType, workgroupSize)
	case op.Type == backends.OpTypeArange:
		return arangeSource(output.DType, integralArange(op, output.DType), workgroupSize)
	case op.Type == backends.OpTypeFused:
		if op.Program == nil {
			return "", errors.Wrap(backends.ErrCompilation, "fused op without a program")
		}
		return fusedSource(op.Program, workgroupSize)
	case op.Type.IsElementwise():
		return fusedSource(backends.ElementwiseProgram(op.Type, output.DType), workgroupSize)
	case op.Type == backends.OpTypeMatMul:
		return matMulSource(output.DType, op.HasBias, workgroupSize)
	case op.Type == backends.OpTypeTranspose:
		if len(inputs) != 1 {
			return "", errors.Wrapf(backends.ErrCompilation, "Transpose takes 1 input, got %d", len(inputs))
		}
		return transposeSource(inputs[0], op.Permutation, workgroupSize)
	case op.Type == backends.OpTypeCast:
		return castSource(op.From, output.DType, workgroupSize)
	}
	return "", errors.Wrapf(backends.ErrCompilation, "op %s not supported by backend %s", op, BackendName)
}

// writeParams declares the uniform Params struct. The scalar fields a and b have type scalar: f32
// for float kernels, and the output type for integer ones so large values are exact.
func writeParams(sb *strings.Builder, binding int, scalar string) {
	fmt.Fprintf(sb, `
struct Params {
    n: u32,
    stride: u32,
    a: %s,
    b: %s,
}
@group(0) @binding(%d) var<uniform> params: Params;
`, scalar, scalar, binding)
}

// paramsScalar is the WGSL type of the Params scalar fields for dtype.
func paramsScalar(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Int32:
		return "i32"
	case dtypes.Uint32:
		return "u32"
	}
	return "f32"
}

func writeMain(sb *strings.Builder, workgroupSize int, sizeField string) {
	fmt.Fprintf(sb, `
@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x + gid.y * params.stride;
    if (idx >= params.%s) {
        return;
    }
`, workgroupSize, sizeField)
}

func fillSource(dtype dtypes.DType, workgroupSize int) (string, error) {
	t, err := wgslType(dtype)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "@group(0) @binding(0) var<storage, read_write> out: array<%s>;\n", t)
	writeParams(&sb, 1, paramsScalar(dtype))
	writeMain(&sb, workgroupSize, "n")
	fmt.Fprintf(&sb, "    out[idx] = %s(params.a);\n}\n", t)
	return sb.String(), nil
}

// integralArange returns whether the arange is computed in the integer output type: start and
// step must be whole numbers. Otherwise it is computed in f32 and truncated, as the CPU does.
func integralArange(op *backends.Op, dtype dtypes.DType) bool {
	return paramsScalar(dtype) != "f32" && math.Trunc(op.Start) == op.Start && math.Trunc(op.Step) == op.Step
}

func arangeSource(dtype dtypes.DType, integral bool, workgroupSize int) (string, error) {
	t, err := wgslType(dtype)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "@group(0) @binding(0) var<storage, read_write> out: array<%s>;\n", t)
	scalar := "f32"
	if integral {
		scalar = paramsScalar(dtype)
	}
	writeParams(&sb, 1, scalar)
	writeMain(&sb, workgroupSize, "n")
	fmt.Fprintf(&sb, "    out[idx] = %s(params.a + %s(idx) * params.b);\n}\n", t, scalar)
	return sb.String(), nil
}

// fusedSource generates one kernel evaluating all the program steps per element. Each input is
// loaded once, and intermediate values live in registers.
func fusedSource(program *backends.FusedProgram, workgroupSize int) (string, error) {
	if err := program.Validate(); err != nil {
		return "", err
	}
	t, err := wgslType(program.DType)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ii := range program.NumInputs {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> in%d: array<%s>;\n", ii, ii, t)
	}
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> out: array<%s>;\n", program.NumInputs, t)
	writeParams(&sb, program.NumInputs+1, "f32")
	writeMain(&sb, workgroupSize, "n")
	for ii := range program.NumInputs {
		fmt.Fprintf(&sb, "    let x%d = in%d[idx];\n", ii, ii)
	}
	for si, step := range program.Steps {
		args := make([]string, len(step.Operands))
		for oi, operand := range step.Operands {
			if operand.External {
				args[oi] = fmt.Sprintf("x%d", operand.Index)
			} else {
				args[oi] = fmt.Sprintf("s%d", operand.Index)
			}
		}
		expr, err := stepExpression(step.Op, program.DType, t, args)
		if err != nil {
			return "", errors.WithMessagef(err, "fused program %q step #%d", program.Signature(), si)
		}
		fmt.Fprintf(&sb, "    let s%d = %s;\n", si, expr)
	}
	fmt.Fprintf(&sb, "    out[idx] = s%d;\n}\n", len(program.Steps)-1)
	return sb.String(), nil
}

// stepExpression returns the WGSL expression of op applied to args, with t the WGSL type of dtype.
func stepExpression(op backends.OpType, dtype dtypes.DType, t string, args []string) (string, error) {
	isFloat := dtype == dtypes.Float32
	if op.FloatOnly() && !isFloat {
		return "", errors.Wrapf(backends.ErrCompilation, "op %s requires a float dtype, got %s", op, dtype)
	}
	if op.SignedOnly() && dtype == dtypes.Uint32 {
		return "", errors.Wrapf(backends.ErrCompilation, "op %s requires a signed dtype, got %s", op, dtype)
	}
	switch op {
	case backends.OpTypeNeg:
		return fmt.Sprintf("-%s", args[0]), nil
	case backends.OpTypeAbs:
		return fmt.Sprintf("abs(%s)", args[0]), nil
	case backends.OpTypeSqrt:
		return fmt.Sprintf("sqrt(%s)", args[0]), nil
	case backends.OpTypeExp:
		return fmt.Sprintf("exp(%s)", args[0]), nil
	case backends.OpTypeLog:
		return fmt.Sprintf("log(%s)", args[0]), nil
	case backends.OpTypeSin:
		return fmt.Sprintf("sin(%s)", args[0]), nil
	case backends.OpTypeCos:
		return fmt.Sprintf("cos(%s)", args[0]), nil
	case backends.OpTypeTanh:
		return fmt.Sprintf("tanh(%s)", args[0]), nil
	case backends.OpTypeReciprocal:
		return fmt.Sprintf("(%s(1) / %s)", t, args[0]), nil
	case backends.OpTypeSquare:
		return fmt.Sprintf("(%s * %s)", args[0], args[0]), nil
	case backends.OpTypeRelu:
		return fmt.Sprintf("max(%s, %s(0))", args[0], t), nil
	case backends.OpTypeAdd:
		return fmt.Sprintf("(%s + %s)", args[0], args[1]), nil
	case backends.OpTypeSub:
		return fmt.Sprintf("(%s - %s)", args[0], args[1]), nil
	case backends.OpTypeMul:
		return fmt.Sprintf("(%s * %s)", args[0], args[1]), nil
	case backends.OpTypeDiv:
		return fmt.Sprintf("(%s / %s)", args[0], args[1]), nil
	case backends.OpTypeMax:
		return fmt.Sprintf("max(%s, %s)", args[0], args[1]), nil
	case backends.OpTypeMin:
		return fmt.Sprintf("min(%s, %s)", args[0], args[1]), nil
	case backends.OpTypeFusedMulAdd:
		if isFloat {
			return fmt.Sprintf("fma(%s, %s, %s)", args[0], args[1], args[2]), nil
		}
		return fmt.Sprintf("(%s * %s + %s)", args[0], args[1], args[2]), nil
	}
	return "", errors.Wrapf(backends.ErrCompilation, "op %s is not elementwise", op)
}

// matMulSource generates a naive kernel with one invocation per output element. Float dtypes
// accumulate in f32.
func matMulSource(dtype dtypes.DType, hasBias bool, workgroupSize int) (string, error) {
	t, err := wgslType(dtype)
	if err != nil {
		return "", err
	}
	isFloat := dtype == dtypes.Float32
	acc := t
	if isFloat {
		acc = "f32"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "@group(0) @binding(0) var<storage, read> lhs: array<%s>;\n", t)
	fmt.Fprintf(&sb, "@group(0) @binding(1) var<storage, read> rhs: array<%s>;\n", t)
	binding := 2
	if hasBias {
		fmt.Fprintf(&sb, "@group(0) @binding(2) var<storage, read> bias: array<%s>;\n", t)
		binding++
	}
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> out: array<%s>;\n", binding, t)
	fmt.Fprintf(&sb, `
struct MatMulParams {
    size: u32,
    stride: u32,
    batch: u32,
    m: u32,
    k: u32,
    n: u32,
    alpha: f32,
    beta: f32,
}
@group(0) @binding(%d) var<uniform> params: MatMulParams;
`, binding+1)
	writeMain(&sb, workgroupSize, "size")
	fmt.Fprintf(&sb, `    let mn = params.m * params.n;
    let batch = idx / mn;
    let row = (idx %% mn) / params.n;
    let col = idx %% params.n;
    let lhsBase = batch * params.m * params.k + row * params.k;
    let rhsBase = batch * params.k * params.n + col;
    var sum: %[1]s = %[1]s(0);
    for (var p: u32 = 0u; p < params.k; p = p + 1u) {
`, acc)
	if isFloat {
		fmt.Fprintf(&sb, "        sum = fma(%[1]s(lhs[lhsBase + p]), %[1]s(rhs[rhsBase + p * params.n]), sum);\n", acc)
	} else {
		sb.WriteString("        sum = sum + lhs[lhsBase + p] * rhs[rhsBase + p * params.n];\n")
	}
	sb.WriteString("    }\n")
	switch {
	case !hasBias:
		fmt.Fprintf(&sb, "    out[idx] = %s(sum);\n", t)
	case isFloat:
		fmt.Fprintf(&sb, "    out[idx] = %s(params.alpha * f32(bias[idx]) + params.beta * sum);\n", t)
	default:
		fmt.Fprintf(&sb, "    out[idx] = %[1]s(params.alpha) * bias[idx] + %[1]s(params.beta) * sum;\n", t)
	}
	sb.WriteString("}\n")
	return sb.String(), nil
}

// transposeSource bakes the output dimensions and the input strides into the source, with the
// index computation unrolled per axis.
func transposeSource(input shapes.Shape, permutation []int, workgroupSize int) (string, error) {
	t, err := wgslType(input.DType)
	if err != nil {
		return "", err
	}
	rank := input.Rank()
	if len(permutation) != rank {
		return "", errors.Wrapf(backends.ErrCompilation, "Transpose%v of %s: invalid permutation", permutation, input)
	}
	inputStrides := input.Strides()
	var sb strings.Builder
	fmt.Fprintf(&sb, "@group(0) @binding(0) var<storage, read> in0: array<%s>;\n", t)
	fmt.Fprintf(&sb, "@group(0) @binding(1) var<storage, read_write> out: array<%s>;\n", t)
	writeParams(&sb, 2, "f32")
	writeMain(&sb, workgroupSize, "n")
	sb.WriteString("    var rem = idx;\n    var src = 0u;\n")
	for axis := rank - 1; axis >= 0; axis-- {
		srcAxis := permutation[axis]
		if srcAxis < 0 || srcAxis >= rank {
			return "", errors.Wrapf(backends.ErrCompilation, "Transpose%v of %s: invalid permutation", permutation, input)
		}
		dim := input.Dimensions[srcAxis]
		fmt.Fprintf(&sb, "    src = src + (rem %% %du) * %du;\n", dim, inputStrides[srcAxis])
		if axis > 0 {
			fmt.Fprintf(&sb, "    rem = rem / %du;\n", dim)
		}
	}
	sb.WriteString("    out[idx] = in0[src];\n}\n")
	return sb.String(), nil
}

func castSource(from, to dtypes.DType, workgroupSize int) (string, error) {
	tFrom, err := wgslType(from)
	if err != nil {
		return "", err
	}
	tTo, err := wgslType(to)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "@group(0) @binding(0) var<storage, read> in0: array<%s>;\n", tFrom)
	fmt.Fprintf(&sb, "@group(0) @binding(1) var<storage, read_write> out: array<%s>;\n", tTo)
	writeParams(&sb, 2, "f32")
	writeMain(&sb, workgroupSize, "n")
	fmt.Fprintf(&sb, "    out[idx] = %s(in0[idx]);\n}\n", tTo)
	return sb.String(), nil
}

// dispatchSize returns the workgroup grid for n invocations, and the stride (invocations per grid
// row) the kernels use to linearize the 2-D invocation id.
func dispatchSize(n, workgroupSize int) (x, y, stride uint32) {
	workgroups := max((n+workgroupSize-1)/workgroupSize, 1)
	if workgroups <= MaxWorkgroupsPerDimension {
		return uint32(workgroups), 1, uint32(workgroups * workgroupSize)
	}
	x = MaxWorkgroupsPerDimension
	y = uint32((workgroups + MaxWorkgroupsPerDimension - 1) / MaxWorkgroupsPerDimension)
	return x, y, x * uint32(workgroupSize)
}

// encodeParams encodes the uniform Params struct. a and b are the raw bits of the scalar fields,
// see scalarBits.
func encodeParams(n, stride, a, b uint32) []byte {
	buf := make([]byte, paramsSize)
	binary.LittleEndian.PutUint32(buf[0:4], n)
	binary.LittleEndian.PutUint32(buf[4:8], stride)
	binary.LittleEndian.PutUint32(buf[8:12], a)
	binary.LittleEndian.PutUint32(buf[12:16], b)
	return buf
}

// scalarBits encodes v as a Params scalar field of the type given by paramsScalar(dtype).
// Integers are truncated and saturated, as the CPU backend does.
func scalarBits(dtype dtypes.DType, v float64) uint32 {
	switch {
	case dtype != dtypes.Int32 && dtype != dtypes.Uint32:
		return math.Float32bits(float32(v))
	case math.IsNaN(v):
		return 0
	case dtype == dtypes.Int32:
		return uint32(int32(min(max(v, math.MinInt32), math.MaxInt32)))
	}
	return uint32(min(max(v, 0), math.MaxUint32))
}

// stepBits encodes an arange step. Unsigned steps wrap, so a negative step still produces the
// right sequence as long as it stays non-negative.
func stepBits(dtype dtypes.DType, step float64) uint32 {
	if dtype == dtypes.Uint32 {
		return uint32(int64(step))
	}
	return scalarBits(dtype, step)
}

// encodeMatMulParams encodes the uniform MatMulParams struct.
func encodeMatMulParams(stride uint32, batch, m, k, n int, alpha, beta float32) []byte {
	buf := make([]byte, matMulParamsSize)
	for ii, v := range []uint32{uint32(batch * m * n), stride, uint32(batch), uint32(m), uint32(k), uint32(n)} {
		binary.LittleEndian.PutUint32(buf[4*ii:], v)
	}
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(alpha))
	binary.LittleEndian.PutUint32(buf[28:32], math.Float32bits(beta))
	return buf
}

// alignedSize returns the buffer size for the shape: WebGPU buffer copies require multiples of 4 bytes.
func alignedSize(shape shapes.Shape) uint64 {
	size := uint64(shape.Memory())
	return max((size+3)&^3, 4)
}
