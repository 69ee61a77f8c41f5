// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelCache maps kernel signatures (see FusedProgram.Signature) to compiled kernels of type K.
//
// It is safe for concurrent use. Compilation is not serialized: two goroutines missing the same
// signature both compile it, the first to store wins and the other's kernel is discarded. The
// cache converges to one entry per signature.
type KernelCache[K any] struct {
	name         string
	entries      sync.Map // signature -> K
	compilations atomic.Int64
	discard      func(K)
}

// NewKernelCache creates an empty cache. discard, if not nil, is called on kernels that lost
// a compilation race.
func NewKernelCache[K any](name string, discard func(K)) *KernelCache[K] {
	return &KernelCache[K]{name: name, discard: discard}
}

// Get returns the kernel for the signature, calling compile on a miss.
//
// Errors from compile are returned wrapping ErrCompilation and are not cached, but they are
// also not retried by Get.
func (c *KernelCache[K]) Get(signature string, compile func() (K, error)) (K, error) {
	if kernel, found := c.entries.Load(signature); found {
		return kernel.(K), nil
	}
	c.compilations.Add(1)
	kernel, err := compile()
	if err != nil {
		var zero K
		if !errors.Is(err, ErrCompilation) {
			err = errors.Wrapf(ErrCompilation, "%s kernel %q: %v", c.name, signature, err)
		} else {
			err = errors.WithMessagef(err, "%s kernel %q", c.name, signature)
		}
		return zero, err
	}
	actual, loaded := c.entries.LoadOrStore(signature, kernel)
	if loaded {
		klog.V(2).Infof("%s kernel %q compiled concurrently, discarding duplicate", c.name, signature)
		if c.discard != nil {
			c.discard(kernel)
		}
	} else {
		klog.V(2).Infof("%s kernel %q compiled", c.name, signature)
	}
	return actual.(K), nil
}

// Compilations returns the number of compile calls so far, including failed and discarded ones.
func (c *KernelCache[K]) Compilations() int64 {
	return c.compilations.Load()
}

// Len returns the number of cached kernels.
func (c *KernelCache[K]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for every cached kernel, in no particular order.
func (c *KernelCache[K]) Range(fn func(signature string, kernel K)) {
	c.entries.Range(func(key, value any) bool {
		fn(key.(string), value.(K))
		return true
	})
}

// CompilationCounter is implemented by backends that count their kernel compilations.
type CompilationCounter interface {
	KernelCompilations() int64
}
