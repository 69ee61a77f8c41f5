// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || windows

package webgpu

import (
	"sync"
	"testing"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	muTestBackend sync.Mutex
	testBackend   *Backend
)

// getBackend returns the test backend, or skips the test if no adapter is available.
func getBackend(t *testing.T) *Backend {
	t.Helper()
	muTestBackend.Lock()
	defer muTestBackend.Unlock()
	if testBackend == nil {
		b, err := New(shapes.GPU(0), "")
		if errors.Is(err, backends.ErrUnavailable) {
			t.Skipf("WebGPU not available: %v", err)
		}
		require.NoError(t, err)
		testBackend = b.(*Backend)
	}
	return testBackend
}

func readFloat32(t *testing.T, b *Backend, buf backends.Buffer) []float32 {
	t.Helper()
	shape, err := b.BufferShape(buf)
	require.NoError(t, err)
	flat := make([]float32, shape.Size())
	require.NoError(t, b.BufferToFlatData(buf, flat))
	return flat
}

func TestGPUFillAndFused(t *testing.T) {
	b := getBackend(t)
	shape := shapes.Make(dtypes.Float32, 1000)
	fill := func(v float64) backends.Buffer {
		buf, err := b.Execute(&backends.Op{Type: backends.OpTypeFill, Value: v}, nil, nil, shape)
		require.NoError(t, err)
		return buf
	}
	op := &backends.Op{Type: backends.OpTypeFused, Program: mulAddProgram(dtypes.Float32)}
	before := b.KernelCompilations()
	out, err := b.Execute(op, []backends.Buffer{fill(2), fill(3), fill(-1)}, nil, shape)
	require.NoError(t, err)
	for _, v := range readFloat32(t, b, out) {
		require.Equal(t, float32(5), v)
	}
	compiled := b.KernelCompilations()
	assert.LessOrEqual(t, compiled-before, int64(2))

	// Same signature: no new compilation.
	_, err = b.Execute(op, []backends.Buffer{fill(1), fill(1), fill(1)}, nil, shape)
	require.NoError(t, err)
	assert.Equal(t, compiled, b.KernelCompilations())
}

func TestGPUMatMulTransposeCast(t *testing.T) {
	b := getBackend(t)
	lhs, err := b.BufferFromFlatData([]float32{1, 2, 3, 4, 5, 6}, shapes.Make(dtypes.Float32, 2, 3))
	require.NoError(t, err)
	rhs, err := b.BufferFromFlatData([]float32{7, 8, 9, 10, 11, 12}, shapes.Make(dtypes.Float32, 3, 2))
	require.NoError(t, err)
	out, err := b.Execute(&backends.Op{Type: backends.OpTypeMatMul}, []backends.Buffer{lhs, rhs}, nil,
		shapes.Make(dtypes.Float32, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, readFloat32(t, b, out))

	transposed, err := b.Execute(&backends.Op{Type: backends.OpTypeTranspose, Permutation: []int{1, 0}},
		[]backends.Buffer{lhs}, nil, shapes.Make(dtypes.Float32, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, readFloat32(t, b, transposed))

	x, err := b.BufferFromFlatData([]float32{1.7, -1.7, 2.5}, shapes.Make(dtypes.Float32, 3))
	require.NoError(t, err)
	cast, err := b.Execute(&backends.Op{Type: backends.OpTypeCast, From: dtypes.Float32}, []backends.Buffer{x}, nil,
		shapes.Make(dtypes.Int32, 3))
	require.NoError(t, err)
	got := make([]int32, 3)
	require.NoError(t, b.BufferToFlatData(cast, got))
	assert.Equal(t, []int32{1, -1, 2}, got)

	require.NoError(t, b.BufferFinalize(x))
	require.Error(t, b.BufferFinalize(x))
}

func TestGPUUnsupportedDType(t *testing.T) {
	b := getBackend(t)
	_, err := b.Execute(&backends.Op{Type: backends.OpTypeFill}, nil, nil, shapes.Make(dtypes.Float64, 4))
	require.ErrorIs(t, err, backends.ErrCompilation)
}

func TestGPUIntegerFillAndArange(t *testing.T) {
	b := getBackend(t)
	shape := shapes.Make(dtypes.Uint32, 3)
	out, err := b.Execute(&backends.Op{Type: backends.OpTypeFill, Value: 16777217}, nil, nil, shape)
	require.NoError(t, err)
	got := make([]uint32, 3)
	require.NoError(t, b.BufferToFlatData(out, got))
	assert.Equal(t, []uint32{16777217, 16777217, 16777217}, got)

	out, err = b.Execute(&backends.Op{Type: backends.OpTypeArange, Start: 10, Step: -3}, nil, nil, shape)
	require.NoError(t, err)
	require.NoError(t, b.BufferToFlatData(out, got))
	assert.Equal(t, []uint32{10, 7, 4}, got)

	out, err = b.Execute(&backends.Op{Type: backends.OpTypeArange, Start: 0, Step: 0.5}, nil, nil,
		shapes.Make(dtypes.Int32, 4))
	require.NoError(t, err)
	ints := make([]int32, 4)
	require.NoError(t, b.BufferToFlatData(out, ints))
	assert.Equal(t, []int32{0, 0, 1, 1}, ints)
}

func TestNewConfigErrors(t *testing.T) {
	// Checked before the native library is loaded, so these run without an adapter.
	_, err := New(shapes.CPU(), "")
	require.Error(t, err)
	_, err = New(shapes.GPU(0), "f16")
	require.Error(t, err)
	assert.NotErrorIs(t, err, backends.ErrUnavailable)
	_, err = New(shapes.GPU(1), "")
	require.ErrorIs(t, err, backends.ErrUnavailable)
}

func TestGPUReleasesChainIntermediates(t *testing.T) {
	b := getBackend(t)
	shape := shapes.Make(dtypes.Float32, 1024)
	x, err := b.Execute(&backends.Op{Type: backends.OpTypeFill, Value: 1}, nil, nil, shape)
	require.NoError(t, err)
	b.ResetPeak()
	start := b.MemoryStats()
	neg := &backends.Op{Type: backends.OpTypeNeg}
	for range 3 * maxPendingCommands {
		y, err := b.Execute(neg, []backends.Buffer{x}, nil, shape)
		require.NoError(t, err)
		require.NoError(t, b.BufferFinalize(x))
		x = y

		b.mu.Lock()
		assert.Empty(t, b.garbage, "released objects must not accumulate")
		assert.Less(t, len(b.pending), maxPendingCommands)
		b.mu.Unlock()
	}
	stats := b.MemoryStats()
	assert.Equal(t, start.LiveBytes, stats.LiveBytes)
	assert.LessOrEqual(t, stats.PeakBytes, start.LiveBytes+alignedSize(shape))
	// An even number of negations.
	for _, v := range readFloat32(t, b, x) {
		require.Equal(t, float32(1), v)
	}
	require.NoError(t, b.BufferFinalize(x))
}
