// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines used by the CPU kernels.
//
// Kernels split their output into disjoint ranges with Pool.ParallelFor: each range is written
// by exactly one task, and no other state is shared between tasks.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// goroutinesPerWorker is how many goroutines may run per unit of parallelism, since tasks
// often block waiting on nested ranges.
const goroutinesPerWorker = 2

// Pool of workers with a soft limit on parallelism.
type Pool struct {
	maxParallelism int

	mu      sync.Mutex
	running int

	// waiting counts callers blocked in ParallelFor: each one lends its slot to new tasks.
	waiting atomic.Int32
}

// New returns a Pool with one unit of parallelism per CPU.
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns false if parallelism is disabled (MaxParallelism() == 0), in which case
// every task runs inline.
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism is the soft limit of parallel work: 0 disables parallelism and a negative
// value means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism changes the limit. It must not be called while tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// StartIfAvailable runs the task in a new goroutine if under the limit, and reports whether
// it did. The caller synchronizes with the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	switch {
	case w.maxParallelism == 0:
		return false
	case w.maxParallelism < 0:
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running >= goroutinesPerWorker*w.maxParallelism+int(w.waiting.Load()) {
		return false
	}
	w.running++
	go func() {
		defer func() {
			w.mu.Lock()
			w.running--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// NumChunks returns into how many ranges ParallelFor splits n items, given the minimum
// number of items per range.
func (w *Pool) NumChunks(n, minChunk int) int {
	minChunk = max(minChunk, 1)
	if !w.IsEnabled() || n <= minChunk {
		return 1
	}
	target := w.maxParallelism
	if target < 0 {
		target = runtime.NumCPU()
	}
	return max(1, min(target, (n+minChunk-1)/minChunk))
}

// ParallelFor calls fn over disjoint ranges [start, end) covering [0, n).
//
// Ranges have at least minChunk items (except possibly the last one). Ranges that can't be
// started because the pool is full are run inline by the caller, so it never deadlocks.
// It returns only after every range has finished. If fn panics in any range, the first panic
// is re-raised in the caller's goroutine.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	numChunks := w.NumChunks(n, minChunk)
	if numChunks == 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var (
		wg        sync.WaitGroup
		panicOnce sync.Once
		recovered any
		panicked  bool
	)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { recovered, panicked = r, true })
				}
			}()
			fn(start, end)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	w.waiting.Add(1)
	wg.Wait()
	w.waiting.Add(-1)
	if panicked {
		panic(recovered)
	}
}
