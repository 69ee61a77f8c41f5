// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !nowebgpu

package _default

import _ "github.com/gomlx/constensor/backends/webgpu"
