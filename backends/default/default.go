// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the CPU backend and the WebGPU backend
// for GPU devices.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/constensor/backends/default"
//
// If you add the tag `nowebgpu` GPU devices will have no backend registered.
package _default

import (
	_ "github.com/gomlx/constensor/backends/cpu"
)
