// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// applyUnary computes dst[i] = op(x[i]). dst and x may be the same slice.
//
// Transcendental ops are computed in float64 and converted back to T.
func applyUnary[T numeric](op backends.OpType, dst, x []T) {
	switch op {
	case backends.OpTypeNeg:
		for ii, v := range x {
			dst[ii] = -v
		}
	case backends.OpTypeAbs:
		for ii, v := range x {
			if v < 0 {
				v = -v
			}
			dst[ii] = v
		}
	case backends.OpTypeSqrt:
		for ii, v := range x {
			dst[ii] = T(math.Sqrt(float64(v)))
		}
	case backends.OpTypeExp:
		for ii, v := range x {
			dst[ii] = T(math.Exp(float64(v)))
		}
	case backends.OpTypeLog:
		for ii, v := range x {
			dst[ii] = T(math.Log(float64(v)))
		}
	case backends.OpTypeSin:
		for ii, v := range x {
			dst[ii] = T(math.Sin(float64(v)))
		}
	case backends.OpTypeCos:
		for ii, v := range x {
			dst[ii] = T(math.Cos(float64(v)))
		}
	case backends.OpTypeTanh:
		for ii, v := range x {
			dst[ii] = T(math.Tanh(float64(v)))
		}
	case backends.OpTypeReciprocal:
		for ii, v := range x {
			dst[ii] = 1 / v
		}
	case backends.OpTypeSquare:
		for ii, v := range x {
			dst[ii] = v * v
		}
	case backends.OpTypeRelu:
		for ii, v := range x {
			dst[ii] = max(v, 0)
		}
	default:
		exceptions.Panicf("unary op %s not implemented by backend %s", op, BackendName)
	}
}

// applyBinary computes dst[i] = op(lhs[i], rhs[i]). dst may be the same slice as lhs or rhs.
//
// Integer division by zero panics with an error wrapping backends.ErrExecution.
func applyBinary[T numeric](op backends.OpType, kind valueKind, dst, lhs, rhs []T) {
	switch op {
	case backends.OpTypeAdd:
		for ii := range dst {
			dst[ii] = lhs[ii] + rhs[ii]
		}
	case backends.OpTypeSub:
		for ii := range dst {
			dst[ii] = lhs[ii] - rhs[ii]
		}
	case backends.OpTypeMul:
		for ii := range dst {
			dst[ii] = lhs[ii] * rhs[ii]
		}
	case backends.OpTypeDiv:
		if kind != kindFloat {
			for ii, v := range rhs {
				if v == 0 {
					panic(errors.Wrapf(backends.ErrExecution, "integer division by zero at element %d", ii))
				}
			}
		}
		for ii := range dst {
			dst[ii] = lhs[ii] / rhs[ii]
		}
	case backends.OpTypeMax:
		for ii := range dst {
			dst[ii] = max(lhs[ii], rhs[ii])
		}
	case backends.OpTypeMin:
		for ii := range dst {
			dst[ii] = min(lhs[ii], rhs[ii])
		}
	default:
		exceptions.Panicf("binary op %s not implemented by backend %s", op, BackendName)
	}
}

// applyFusedMulAdd computes dst[i] = a[i]*b[i] + c[i], with a single rounding for floats.
func applyFusedMulAdd[T numeric](kind valueKind, dst, a, b, c []T) {
	if kind == kindFloat {
		for ii := range dst {
			dst[ii] = T(math.FMA(float64(a[ii]), float64(b[ii]), float64(c[ii])))
		}
		return
	}
	for ii := range dst {
		dst[ii] = a[ii]*b[ii] + c[ii]
	}
}
