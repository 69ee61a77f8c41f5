// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// MemoryStats reports the device memory held by live buffers of a backend.
type MemoryStats struct {
	LiveBuffers int
	LiveBytes   uint64
	PeakBytes   uint64
}

// String implements fmt.Stringer.
func (s MemoryStats) String() string {
	return fmt.Sprintf("%d buffers, %s live, %s peak", s.LiveBuffers,
		humanize.IBytes(s.LiveBytes), humanize.IBytes(s.PeakBytes))
}

// MemoryReporter is implemented by backends that track their buffer memory.
type MemoryReporter interface {
	MemoryStats() MemoryStats

	// ResetPeak sets the peak to the current live bytes.
	ResetPeak()
}

// MemoryTracker accounts for allocated buffer bytes against an optional limit.
// It is safe for concurrent use.
type MemoryTracker struct {
	mu    sync.Mutex
	stats MemoryStats
	limit uint64 // 0 means no limit.
}

// NewMemoryTracker returns a tracker with the given limit in bytes. A limit of 0 disables it.
func NewMemoryTracker(limit uint64) *MemoryTracker {
	return &MemoryTracker{limit: limit}
}

// ParseMemoryLimit parses a human-readable size ("512MiB", "2GB", "0"), as accepted by go-humanize.
func ParseMemoryLimit(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	limit, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid memory limit %q", value)
	}
	return limit, nil
}

// Allocate accounts for a new buffer of the given size, or returns an error wrapping ErrResource
// if that would exceed the limit.
func (t *MemoryTracker) Allocate(size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && t.stats.LiveBytes+size > t.limit {
		return errors.Wrapf(ErrResource, "allocating %s with %s already in use exceeds the limit of %s",
			humanize.IBytes(size), humanize.IBytes(t.stats.LiveBytes), humanize.IBytes(t.limit))
	}
	t.stats.LiveBuffers++
	t.stats.LiveBytes += size
	t.stats.PeakBytes = max(t.stats.PeakBytes, t.stats.LiveBytes)
	return nil
}

// Free accounts for a released buffer of the given size.
func (t *MemoryTracker) Free(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.LiveBuffers--
	t.stats.LiveBytes -= size
}

// Stats returns a snapshot of the accounting.
func (t *MemoryTracker) Stats() MemoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ResetPeak sets the peak to the current live bytes.
func (t *MemoryTracker) ResetPeak() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.PeakBytes = t.stats.LiveBytes
}
