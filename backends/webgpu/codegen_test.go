// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package webgpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mulAddProgram(dtype dtypes.DType) *backends.FusedProgram {
	return &backends.FusedProgram{
		DType:     dtype,
		NumInputs: 3,
		Steps: []backends.FusedStep{
			{Op: backends.OpTypeFusedMulAdd, Operands: []backends.FusedOperand{
				backends.FusedInput(0), backends.FusedInput(1), backends.FusedInput(2)}},
			{Op: backends.OpTypeRelu, Operands: []backends.FusedOperand{backends.FusedStepOutput(0)}},
		},
	}
}

func TestFusedSource(t *testing.T) {
	source, err := fusedSource(mulAddProgram(dtypes.Float32), 256)
	require.NoError(t, err)
	for _, want := range []string{
		"@group(0) @binding(0) var<storage, read> in0: array<f32>;",
		"@group(0) @binding(2) var<storage, read> in2: array<f32>;",
		"@group(0) @binding(3) var<storage, read_write> out: array<f32>;",
		"@group(0) @binding(4) var<uniform> params: Params;",
		"@compute @workgroup_size(256)",
		"let idx = gid.x + gid.y * params.stride;",
		"let x1 = in1[idx];",
		"let s0 = fma(x0, x1, x2);",
		"let s1 = max(s0, f32(0));",
		"out[idx] = s1;",
	} {
		assert.Contains(t, source, want)
	}

	source, err = fusedSource(mulAddProgram(dtypes.Float32), 64)
	require.NoError(t, err)
	assert.Contains(t, source, "@compute @workgroup_size(64)")

	// The bindings don't expose shader-f16, so half precision has no kernel.
	_, err = fusedSource(mulAddProgram(dtypes.Float16), 64)
	require.ErrorIs(t, err, backends.ErrCompilation)

	// Integers have no fma.
	source, err = fusedSource(mulAddProgram(dtypes.Int32), 256)
	require.NoError(t, err)
	assert.Contains(t, source, "let s0 = (x0 * x1 + x2);")
}

func TestFusedSourceErrors(t *testing.T) {
	_, err := fusedSource(mulAddProgram(dtypes.Float64), 256)
	require.ErrorIs(t, err, backends.ErrCompilation)

	_, err = fusedSource(backends.ElementwiseProgram(backends.OpTypeSqrt, dtypes.Int32), 256)
	require.ErrorIs(t, err, backends.ErrCompilation)

	_, err = fusedSource(backends.ElementwiseProgram(backends.OpTypeNeg, dtypes.Uint32), 256)
	require.ErrorIs(t, err, backends.ErrCompilation)

	_, err = fusedSource(&backends.FusedProgram{DType: dtypes.Float32}, 256)
	require.ErrorIs(t, err, backends.ErrCompilation)
}

func TestStepExpression(t *testing.T) {
	testCases := []struct {
		op   backends.OpType
		args []string
		want string
	}{
		{backends.OpTypeNeg, []string{"a"}, "-a"},
		{backends.OpTypeAbs, []string{"a"}, "abs(a)"},
		{backends.OpTypeSqrt, []string{"a"}, "sqrt(a)"},
		{backends.OpTypeExp, []string{"a"}, "exp(a)"},
		{backends.OpTypeLog, []string{"a"}, "log(a)"},
		{backends.OpTypeSin, []string{"a"}, "sin(a)"},
		{backends.OpTypeCos, []string{"a"}, "cos(a)"},
		{backends.OpTypeTanh, []string{"a"}, "tanh(a)"},
		{backends.OpTypeReciprocal, []string{"a"}, "(f32(1) / a)"},
		{backends.OpTypeSquare, []string{"a"}, "(a * a)"},
		{backends.OpTypeRelu, []string{"a"}, "max(a, f32(0))"},
		{backends.OpTypeAdd, []string{"a", "b"}, "(a + b)"},
		{backends.OpTypeSub, []string{"a", "b"}, "(a - b)"},
		{backends.OpTypeMul, []string{"a", "b"}, "(a * b)"},
		{backends.OpTypeDiv, []string{"a", "b"}, "(a / b)"},
		{backends.OpTypeMax, []string{"a", "b"}, "max(a, b)"},
		{backends.OpTypeMin, []string{"a", "b"}, "min(a, b)"},
		{backends.OpTypeFusedMulAdd, []string{"a", "b", "c"}, "fma(a, b, c)"},
	}
	for _, tc := range testCases {
		got, err := stepExpression(tc.op, dtypes.Float32, "f32", tc.args)
		require.NoError(t, err, tc.op.String())
		assert.Equal(t, tc.want, got, tc.op.String())
	}
	_, err := stepExpression(backends.OpTypeMatMul, dtypes.Float32, "f32", []string{"a", "b"})
	require.ErrorIs(t, err, backends.ErrCompilation)
}

func TestKernelSource(t *testing.T) {
	f32 := shapes.Make(dtypes.Float32, 2, 3)

	source, err := kernelSource(&backends.Op{Type: backends.OpTypeFill, Value: 2}, nil, f32, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "@group(0) @binding(0) var<storage, read_write> out: array<f32>;")
	assert.Contains(t, source, "out[idx] = f32(params.a);")

	source, err = kernelSource(&backends.Op{Type: backends.OpTypeArange, Start: 1, Step: 2}, nil,
		shapes.Make(dtypes.Int32, 4), 256)
	require.NoError(t, err)
	assert.Contains(t, source, "a: i32,")
	assert.Contains(t, source, "out[idx] = i32(params.a + i32(idx) * params.b);")

	// Fractional steps are computed in f32, like on the CPU.
	source, err = kernelSource(&backends.Op{Type: backends.OpTypeArange, Start: 0, Step: 0.5}, nil,
		shapes.Make(dtypes.Int32, 4), 256)
	require.NoError(t, err)
	assert.Contains(t, source, "out[idx] = i32(params.a + f32(idx) * params.b);")

	source, err = kernelSource(&backends.Op{Type: backends.OpTypeFill, Value: 16777217}, nil,
		shapes.Make(dtypes.Uint32, 4), 256)
	require.NoError(t, err)
	assert.Contains(t, source, "a: u32,")
	assert.Contains(t, source, "out[idx] = u32(params.a);")

	source, err = kernelSource(&backends.Op{Type: backends.OpTypeAdd}, []shapes.Shape{f32, f32}, f32, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "let s0 = (x0 + x1);")

	source, err = kernelSource(&backends.Op{Type: backends.OpTypeCast, From: dtypes.Float32}, []shapes.Shape{f32},
		shapes.Make(dtypes.Int32, 2, 3), 256)
	require.NoError(t, err)
	assert.Contains(t, source, "var<storage, read> in0: array<f32>;")
	assert.Contains(t, source, "out[idx] = i32(in0[idx]);")

	_, err = kernelSource(&backends.Op{Type: backends.OpTypeCast, From: dtypes.Float16}, []shapes.Shape{
		shapes.Make(dtypes.Float16, 2, 3)}, f32, 256)
	require.ErrorIs(t, err, backends.ErrCompilation)

	_, err = kernelSource(&backends.Op{Type: backends.OpTypeFill}, nil, shapes.Make(dtypes.Int64, 2), 256)
	require.ErrorIs(t, err, backends.ErrCompilation)

	_, err = kernelSource(&backends.Op{Type: backends.OpTypeInvalid}, nil, f32, 256)
	require.ErrorIs(t, err, backends.ErrCompilation)
}

func TestMatMulSource(t *testing.T) {
	source, err := matMulSource(dtypes.Float32, false, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "@group(0) @binding(2) var<storage, read_write> out: array<f32>;")
	assert.Contains(t, source, "@group(0) @binding(3) var<uniform> params: MatMulParams;")
	assert.Contains(t, source, "if (idx >= params.size)")
	assert.Contains(t, source, "sum = fma(f32(lhs[lhsBase + p]), f32(rhs[rhsBase + p * params.n]), sum);")
	assert.Contains(t, source, "out[idx] = f32(sum);")
	assert.NotContains(t, source, "bias")

	source, err = matMulSource(dtypes.Float32, true, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "@group(0) @binding(2) var<storage, read> bias: array<f32>;")
	assert.Contains(t, source, "@group(0) @binding(3) var<storage, read_write> out: array<f32>;")
	assert.Contains(t, source, "var sum: f32 = f32(0);")
	assert.Contains(t, source, "out[idx] = f32(params.alpha * f32(bias[idx]) + params.beta * sum);")

	source, err = matMulSource(dtypes.Uint32, true, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "var sum: u32 = u32(0);")
	assert.Contains(t, source, "out[idx] = u32(params.alpha) * bias[idx] + u32(params.beta) * sum;")
}

func TestTransposeSource(t *testing.T) {
	// [2, 3] with strides [3, 1], transposed to [3, 2].
	source, err := transposeSource(shapes.Make(dtypes.Float32, 2, 3), []int{1, 0}, 256)
	require.NoError(t, err)
	assert.Contains(t, source, "    src = src + (rem % 2u) * 3u;\n    rem = rem / 2u;\n    src = src + (rem % 3u) * 1u;\n")
	assert.Contains(t, source, "out[idx] = in0[src];")

	_, err = transposeSource(shapes.Make(dtypes.Float32, 2, 3), []int{0}, 256)
	require.ErrorIs(t, err, backends.ErrCompilation)
	_, err = transposeSource(shapes.Make(dtypes.Float32, 2, 3), []int{0, 2}, 256)
	require.ErrorIs(t, err, backends.ErrCompilation)
}

func TestKernelSignature(t *testing.T) {
	f32 := shapes.Make(dtypes.Float32, 4)
	sigFused := kernelSignature(&backends.Op{Type: backends.OpTypeFused, Program: mulAddProgram(dtypes.Float32)},
		[]shapes.Shape{f32, f32, f32}, f32, 256)
	assert.Equal(t, "Float32|3|FusedMulAdd(i0,i1,i2);Relu(s0)|wg256", sigFused)

	// An elementwise op has the signature of its single-step program, whatever the shape.
	assert.Equal(t,
		kernelSignature(&backends.Op{Type: backends.OpTypeMul}, nil, shapes.Make(dtypes.Float32, 7, 9), 256),
		kernelSignature(&backends.Op{Type: backends.OpTypeFused,
			Program: backends.ElementwiseProgram(backends.OpTypeMul, dtypes.Float32)}, nil, f32, 256))

	assert.NotEqual(t,
		kernelSignature(&backends.Op{Type: backends.OpTypeMatMul}, nil, f32, 256),
		kernelSignature(&backends.Op{Type: backends.OpTypeMatMul, HasBias: true}, nil, f32, 256))
	assert.NotEqual(t,
		kernelSignature(&backends.Op{Type: backends.OpTypeFill}, nil, f32, 256),
		kernelSignature(&backends.Op{Type: backends.OpTypeFill}, nil, f32, 128))
	assert.Equal(t, "Transpose|Float32|[2 3]|[1 0]|wg256",
		kernelSignature(&backends.Op{Type: backends.OpTypeTranspose, Permutation: []int{1, 0}},
			[]shapes.Shape{shapes.Make(dtypes.Float32, 2, 3)}, shapes.Make(dtypes.Float32, 3, 2), 256))
	i32 := shapes.Make(dtypes.Int32, 4)
	assert.Equal(t, "Arange|Int32|integral=true|wg256",
		kernelSignature(&backends.Op{Type: backends.OpTypeArange, Start: 3, Step: -1}, nil, i32, 256))
	assert.Equal(t, "Arange|Int32|integral=false|wg256",
		kernelSignature(&backends.Op{Type: backends.OpTypeArange, Start: 0, Step: 0.5}, nil, i32, 256))
}

func TestDispatchSize(t *testing.T) {
	x, y, stride := dispatchSize(1000, 256)
	assert.Equal(t, []uint32{4, 1, 1024}, []uint32{x, y, stride})

	x, y, stride = dispatchSize(0, 256)
	assert.Equal(t, []uint32{1, 1, 256}, []uint32{x, y, stride})

	// Beyond the per-dimension limit the grid becomes 2-D.
	n := 256*MaxWorkgroupsPerDimension + 1
	x, y, stride = dispatchSize(n, 256)
	assert.Equal(t, uint32(MaxWorkgroupsPerDimension), x)
	assert.Equal(t, uint32(2), y)
	assert.Equal(t, uint32(256*MaxWorkgroupsPerDimension), stride)
	assert.GreaterOrEqual(t, int(x)*int(y)*256, n)
}

func TestEncodeParams(t *testing.T) {
	buf := encodeParams(10, 256, scalarBits(dtypes.Float32, 1.5), scalarBits(dtypes.Float32, -2))
	require.Len(t, buf, paramsSize)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(256), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])))
	assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])))

	// Integer values beyond 2^24 are exact.
	assert.Equal(t, uint32(16777217), scalarBits(dtypes.Uint32, 16777217))
	assert.Equal(t, int32(-16777217), int32(scalarBits(dtypes.Int32, -16777217)))
	assert.Equal(t, uint32(0), scalarBits(dtypes.Uint32, -1))
	assert.Equal(t, uint32(math.MaxInt32), scalarBits(dtypes.Int32, 1e10))
	assert.Equal(t, uint32(math.MaxUint32), stepBits(dtypes.Uint32, -1))
	assert.Equal(t, uint32(3), stepBits(dtypes.Uint32, 3))

	buf = encodeMatMulParams(256, 2, 3, 4, 5, 1, 0.5)
	require.Len(t, buf, matMulParamsSize)
	assert.Equal(t, uint32(2*3*5), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[16:]))
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[28:])))
}

func TestAlignedSize(t *testing.T) {
	assert.Equal(t, uint64(12), alignedSize(shapes.Make(dtypes.Float32, 3)))
	assert.Equal(t, uint64(8), alignedSize(shapes.Make(dtypes.Float16, 3)))
	assert.Equal(t, uint64(4), alignedSize(shapes.Make(dtypes.Float16)))
}
