// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || windows)

package webgpu

import (
	"testing"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnavailable(t *testing.T) {
	_, err := New(shapes.GPU(0), "")
	require.ErrorIs(t, err, backends.ErrUnavailable)

	// Configuration errors are still reported as such.
	_, err = New(shapes.GPU(0), "power=medium")
	require.Error(t, err)
	assert.NotErrorIs(t, err, backends.ErrUnavailable)

	_, err = New(shapes.CPU(), "")
	require.Error(t, err)

	_, err = backends.ForDevice(shapes.GPU(0))
	require.ErrorIs(t, err, backends.ErrUnavailable)
}
