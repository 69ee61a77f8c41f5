// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeSimpleChain(t *testing.T) {
	g := NewGraph("")
	a := Fill(g, cpuDevice, f32(1, 1), 2)
	b := Fill(g, cpuDevice, f32(1, 1), 3)
	c := Add(a, b)
	d := Mul(c, a)
	g.Optimize()

	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, 4, g.Len())
	fused := d.Node()
	require.Equal(t, backends.OpTypeFused, fused.Type())
	assert.Equal(t, "Float32|2|Add(i0,i1);Mul(s0,i0)", fused.Op().Program.Signature())
	assert.Equal(t, []NodeID{a.ID(), b.ID()}, fused.Inputs())
	assert.Equal(t, backends.OpTypeMul, g.Original(d.ID()).Type())
	into, found := g.AbsorbedInto(c.ID())
	require.True(t, found)
	assert.Equal(t, d.ID(), into)
	assert.False(t, g.IsLive(c.ID()))
	assert.Contains(t, g.String(), "1 absorbed")

	assert.Equal(t, []float32{10}, evalFlat[float32](t, d))

	// The absorbed node can still be evaluated.
	assert.Equal(t, []float32{5}, evalFlat[float32](t, c))
}

func TestOptimizeObservedIntermediate(t *testing.T) {
	g := NewGraph("")
	a := Fill(g, cpuDevice, f32(1, 1), 2)
	b := Fill(g, cpuDevice, f32(1, 1), 3)
	c := Add(a, b)
	d := Mul(c, a)
	g.MarkOutputs(c)
	assert.True(t, g.IsPinned(c.ID()))
	g.Optimize()

	assert.Equal(t, 4, g.NumNodes(), "pinned c must not be absorbed")
	assert.Equal(t, backends.OpTypeAdd, c.Node().Type())
	assert.Equal(t, backends.OpTypeMul, d.Node().Type())
	results, err := g.Evaluate(c, d)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{5}}, results[0].Value())
	assert.Equal(t, [][]float32{{10}}, results[1].Value())
}

func TestOptimizeFusedMulAdd(t *testing.T) {
	g := NewGraph("")
	shape := f32(3)
	a := Fill(g, cpuDevice, shape, 2)
	b := Fill(g, cpuDevice, shape, 3)
	c := Fill(g, cpuDevice, shape, 1)
	d := Fill(g, cpuDevice, shape, 2)
	mul := Mul(a, b)
	sum1 := Add(mul, c)
	sum2 := Add(sum1, d)

	require.Equal(t, 1, g.substituteFusedMulAdds())
	fma := sum1.Node()
	assert.Equal(t, backends.OpTypeFusedMulAdd, fma.Type())
	assert.Equal(t, []NodeID{a.ID(), b.ID(), c.ID()}, fma.Inputs())
	assert.Equal(t, backends.OpTypeAdd, g.Original(sum1.ID()).Type())
	into, _ := g.AbsorbedInto(mul.ID())
	assert.Equal(t, sum1.ID(), into)

	g.Optimize()
	assert.Equal(t, 5, g.NumNodes())
	assert.Equal(t, "Float32|4|FusedMulAdd(i0,i1,i2);Add(s0,i3)", sum2.Node().Op().Program.Signature())
	into, _ = g.AbsorbedInto(mul.ID())
	assert.Equal(t, sum2.ID(), into, "nodes absorbed into a fused node follow it")
	assert.Equal(t, []float32{9, 9, 9}, evalFlat[float32](t, sum2))
	assert.Equal(t, []float32{6, 6, 6}, evalFlat[float32](t, mul))
}

func TestOptimizeFusedMulAddOperandOrder(t *testing.T) {
	g := NewGraph("")
	shape := f32(2)
	x := make([]GraphTensor, 4)
	for ii := range x {
		x[ii] = Fill(g, cpuDevice, shape, float64(ii+1))
	}

	// Mul on the right operand.
	right := Add(x[0], Mul(x[1], x[2]))
	// Mul on both: the left one is substituted.
	leftMul := Mul(x[0], x[1])
	rightMul := Mul(x[2], x[3])
	both := Add(leftMul, rightMul)
	// Mul with two consumers is not substituted.
	shared := Mul(x[0], x[3])
	twice := Add(shared, x[1])
	other := Sub(shared, x[2])
	// Integers are not substituted.
	xi := Fill(g, cpuDevice, i32(2), 3)
	ints := Add(Mul(xi, xi), xi)

	require.Equal(t, 2, g.substituteFusedMulAdds())
	assert.Equal(t, []NodeID{x[1].ID(), x[2].ID(), x[0].ID()}, right.Node().Inputs())
	assert.Equal(t, backends.OpTypeFusedMulAdd, both.Node().Type())
	assert.Equal(t, []NodeID{x[0].ID(), x[1].ID(), rightMul.ID()}, both.Node().Inputs())
	assert.Equal(t, backends.OpTypeAdd, twice.Node().Type())
	assert.Equal(t, backends.OpTypeAdd, ints.Node().Type())

	g.Optimize()
	assert.Equal(t, []float32{7, 7}, evalFlat[float32](t, right))
	assert.Equal(t, []float32{14, 14}, evalFlat[float32](t, both))
	assert.Equal(t, []float32{6, 6}, evalFlat[float32](t, twice))
	assert.Equal(t, []float32{1, 1}, evalFlat[float32](t, other))
	assert.Equal(t, []int32{12, 12}, evalFlat[int32](t, ints))
	assert.Equal(t, backends.OpTypeFused, ints.Node().Type())
}

func TestOptimizeMultiConsumerBoundary(t *testing.T) {
	g := NewGraph("")
	f := Fill(g, cpuDevice, f32(4), 0.5)
	x := Neg(f)
	y := Exp(x)
	z := Sin(x)
	w := Add(y, z)
	g.Optimize()

	// x has two consumers: it can't be absorbed, so it's evaluated once.
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, backends.OpTypeNeg, x.Node().Type())
	assert.True(t, g.IsLive(x.ID()))
	fused := w.Node()
	require.Equal(t, backends.OpTypeFused, fused.Type())
	assert.Equal(t, "Float32|1|Exp(i0);Sin(i0);Add(s0,s1)", fused.Op().Program.Signature())
	assert.Equal(t, []NodeID{w.ID()}, g.Consumers(x.ID()))

	g.Optimize()
	assert.Equal(t, 3, g.NumNodes())

	got := evalFlat[float32](t, w)
	assert.InDeltaSlice(t, []float32{0.12710512, 0.12710512, 0.12710512, 0.12710512}, got, 1e-6)
}

func TestOptimizePinned(t *testing.T) {
	g := NewGraph("")
	f := Fill(g, cpuDevice, f32(4), 0.5)
	x := Neg(f)
	y := Exp(x)
	z := Sin(x)
	w := Add(y, z)
	g.MarkOutputs(y)
	g.Optimize()

	assert.Equal(t, 4, g.NumNodes())
	assert.Equal(t, backends.OpTypeExp, y.Node().Type())
	assert.Equal(t, "Float32|2|Sin(i0);Add(i1,s0)", w.Node().Op().Program.Signature())
	assert.Equal(t, []NodeID{x.ID(), y.ID()}, w.Node().Inputs())
}

func TestOptimizeInputsLimit(t *testing.T) {
	g := NewGraph("")
	const numInputs = 9
	fills := make([]GraphTensor, numInputs)
	for ii := range fills {
		fills[ii] = Fill(g, cpuDevice, f32(5), float64(ii))
	}
	adds := make([]GraphTensor, numInputs)
	adds[0] = fills[0]
	for ii := 1; ii < numInputs; ii++ {
		adds[ii] = Add(adds[ii-1], fills[ii])
	}
	g.Optimize()

	// The last 6 adds take 7 inputs: adds[2] and fills[3:].
	last := adds[numInputs-1].Node()
	require.Equal(t, backends.OpTypeFused, last.Type())
	assert.Len(t, last.Op().Program.Steps, 6)
	assert.Equal(t, backends.MaxFusedInputs, last.Op().Program.NumInputs)
	assert.Equal(t, adds[2].ID(), last.Inputs()[0])
	// The first 2 adds are fused separately.
	first := adds[2].Node()
	require.Equal(t, backends.OpTypeFused, first.Type())
	assert.Equal(t, []NodeID{fills[0].ID(), fills[1].ID(), fills[2].ID()}, first.Inputs())
	assert.Equal(t, numInputs+2, g.NumNodes())
	for _, node := range g.Nodes() {
		if node.Type() == backends.OpTypeFused {
			assert.LessOrEqual(t, node.NumInputs(), backends.MaxFusedInputs)
		}
	}
	assert.Equal(t, []float32{36, 36, 36, 36, 36}, evalFlat[float32](t, adds[numInputs-1]))
}

func TestOptimizeLeftOperandFirst(t *testing.T) {
	g := NewGraph("")
	sumOf := func(base float64) GraphTensor {
		fills := make([]GraphTensor, 5)
		for ii := range fills {
			fills[ii] = Fill(g, cpuDevice, f32(2), base+float64(ii))
		}
		sum := fills[0]
		for _, fill := range fills[1:] {
			sum = Add(sum, fill)
		}
		return sum
	}
	left := sumOf(0)   // 0+1+2+3+4 = 10
	right := sumOf(10) // 10+11+12+13+14 = 60
	top := Mul(left, right)
	g.Optimize()

	// The left chain is fully merged with top, the right one only partially:
	// externals are the 5 left fills, the rest of the right chain and its last fill.
	fused := top.Node()
	require.Equal(t, backends.OpTypeFused, fused.Type())
	assert.Equal(t, backends.MaxFusedInputs, fused.NumInputs())
	into, found := g.AbsorbedInto(left.ID())
	require.True(t, found)
	assert.Equal(t, top.ID(), into)
	into, found = g.AbsorbedInto(right.ID())
	require.True(t, found)
	assert.Equal(t, top.ID(), into)
	rightRest := fused.Inputs()[5]
	assert.Equal(t, backends.OpTypeFused, g.Node(rightRest).Type())
	assert.Len(t, g.Node(rightRest).Op().Program.Steps, 3)

	assert.Equal(t, []float32{600, 600}, evalFlat[float32](t, top))
}

// buildMixed builds a graph exercising all fusable ops, and some that are not, and returns its outputs.
func buildMixed(g *Graph) []GraphTensor {
	shape := f32(3, 4)
	ramp := ArangeFromTo(g, cpuDevice, f32(12), 0.5, 3.5)
	ramp2 := Transpose(MatMulAxpby(Ones(g, cpuDevice, f32(3, 2)), Fill(g, cpuDevice, f32(2, 4), 0.25),
		Fill(g, cpuDevice, shape, -1), 0.5, 2), 1, 0)
	x := Fill(g, cpuDevice, shape, 1.5)
	y := Fill(g, cpuDevice, shape, -0.75)
	a := Add(Mul(x, y), x)
	b := Relu(Neg(Sub(a, y)))
	c := Div(Sqrt(Abs(Exp(a))), Square(Max(y, Min(x, a))))
	d := Tanh(Add(Log(Reciprocal(Abs(c))), Cos(Sin(b))))
	e := Cast(Mul(d, c), dtypes.Float64)
	xi := Cast(Fill(g, cpuDevice, shape, 7.9), dtypes.Int32)
	f := Max(Sub(Mul(xi, xi), Div(xi, Fill(g, cpuDevice, i32(3, 4), 2))), Neg(Abs(xi)))
	return []GraphTensor{Neg(ramp), Sqrt(ramp2), a, d, e, f, Add(b, c)}
}

func TestOptimizeEquivalent(t *testing.T) {
	evaluate := func(optimize bool) ([]any, *Graph) {
		g := NewGraph("")
		outputs := buildMixed(g)
		if optimize {
			g.Optimize()
		}
		results, err := g.Evaluate(outputs...)
		require.NoError(t, err)
		values := make([]any, len(results))
		for ii, result := range results {
			flat, err := result.Flat()
			require.NoError(t, err)
			values[ii] = flat
			result.Finalize()
		}
		return values, g
	}
	want, plain := evaluate(false)
	got, optimized := evaluate(true)
	assert.Less(t, optimized.NumNodes(), plain.NumNodes())
	require.Len(t, got, len(want))
	for ii := range want {
		switch w := want[ii].(type) {
		case []float32:
			assert.InDeltaSlicef(t, w, got[ii], 1e-5, "output #%d", ii)
		case []float64:
			assert.InDeltaSlicef(t, w, got[ii], 1e-5, "output #%d", ii)
		default:
			assert.Equalf(t, w, got[ii], "output #%d", ii)
		}
	}

	// Repeated evaluation is bit-identical on CPU.
	again, _ := evaluate(true)
	assert.Equal(t, got, again)
}

func TestOptimizeIdempotent(t *testing.T) {
	g := NewGraph("")
	outputs := buildMixed(g)
	g.MarkOutputs(outputs[2])
	g.Optimize()
	numNodes, str := g.NumNodes(), g.String()
	g.Optimize()
	assert.Equal(t, numNodes, g.NumNodes())
	assert.Equal(t, str, g.String())

	// Input ids still precede every live node.
	for _, node := range g.Nodes() {
		for _, input := range node.Inputs() {
			require.Less(t, input, node.ID())
			require.True(t, g.IsLive(input), "node %s uses absorbed node #%d", node, input)
		}
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	build := func() string {
		g := NewGraph("deterministic")
		_ = buildMixed(g)
		g.Optimize()
		return g.String()
	}
	assert.Equal(t, build(), build())
}

func TestOptimizeKeepsDevices(t *testing.T) {
	g := NewGraph("")
	gpu := shapes.GPU(0)
	x := Fill(g, cpuDevice, f32(2), 1)
	xg := Fill(g, gpu, f32(2), 1)
	cpuChain := Neg(Exp(x))
	gpuChain := Neg(Exp(xg))
	g.Optimize()
	assert.Equal(t, backends.OpTypeFused, cpuChain.Node().Type())
	assert.True(t, cpuChain.Device().IsCPU())
	assert.Equal(t, backends.OpTypeFused, gpuChain.Node().Type())
	assert.True(t, gpuChain.Device().IsGPU())
}
