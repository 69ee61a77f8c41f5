// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1001
		hits := make([]int32, n)
		var calls atomic.Int32
		pool.ParallelFor(n, 10, func(start, end int) {
			calls.Add(1)
			for i := start; i < end; i++ {
				hits[i]++
			}
		})
		for i, h := range hits {
			require.Equalf(t, int32(1), h, "parallelism=%d, index %d visited %d times", parallelism, i, h)
		}
		switch parallelism {
		case 0, 1:
			assert.Equal(t, int32(1), calls.Load())
		case 4:
			assert.Equal(t, int32(4), calls.Load())
		}
	}
}

func TestPool_NumChunks(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(8)
	assert.Equal(t, 1, pool.NumChunks(100, 1000))
	assert.Equal(t, 2, pool.NumChunks(2000, 1000))
	assert.Equal(t, 8, pool.NumChunks(1_000_000, 1000))
	assert.Equal(t, 1, pool.NumChunks(0, 0))
	pool.SetMaxParallelism(0)
	assert.Equal(t, 1, pool.NumChunks(1_000_000, 1))
}

func TestPool_Nested(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var mu sync.Mutex
	total := 0
	pool.ParallelFor(8, 1, func(start, end int) {
		pool.ParallelFor(8, 1, func(s, e int) {
			mu.Lock()
			total += (end - start) * (e - s)
			mu.Unlock()
		})
	})
	assert.Equal(t, 64, total)
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	assert.False(t, pool.StartIfAvailable(func() {}))

	pool.SetMaxParallelism(1)
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(wg.Done))
	wg.Wait()
}

func TestPool_ParallelForPanic(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(4)
	require.PanicsWithValue(t, "range 0", func() {
		pool.ParallelFor(100, 10, func(start, end int) {
			if start == 0 {
				panic("range 0")
			}
		})
	})
}
