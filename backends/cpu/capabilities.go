// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities of the CPU backend: every op on every supported dtype.
var Capabilities = backends.Capabilities{
	Operations: func() map[backends.OpType]bool {
		ops := make(map[backends.OpType]bool)
		for op := backends.OpTypeInvalid + 1; op < backends.OpTypeLast; op++ {
			ops[op] = true
		}
		return ops
	}(),

	DTypes: map[dtypes.DType]bool{
		dtypes.Uint8:    true,
		dtypes.Uint32:   true,
		dtypes.Int32:    true,
		dtypes.Int64:    true,
		dtypes.Float16:  true,
		dtypes.BFloat16: true,
		dtypes.Float32:  true,
		dtypes.Float64:  true,
	},
}
