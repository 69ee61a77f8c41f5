// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

var dispatchMatMul = NewDTypeDispatcher("MatMul")

// matMulDims are the dimensions of a batched [batch, m, k] x [batch, k, n] product.
type matMulDims struct {
	batch, m, k, n int
}

func matMulDimsOf(lhs, rhs shapes.Shape) matMulDims {
	if lhs.Rank() != rhs.Rank() || (lhs.Rank() != 2 && lhs.Rank() != 3) {
		exceptions.Panicf("MatMul of %s and %s: ranks must be both 2 or both 3", lhs, rhs)
	}
	d := matMulDims{batch: 1, m: lhs.Dim(-2), k: lhs.Dim(-1), n: rhs.Dim(-1)}
	if lhs.Rank() == 3 {
		d.batch = lhs.Dim(0)
		if rhs.Dim(0) != d.batch {
			exceptions.Panicf("MatMul of %s and %s: batch dimensions differ", lhs, rhs)
		}
	}
	if rhs.Dim(-2) != d.k {
		exceptions.Panicf("MatMul of %s and %s: contracting dimensions differ", lhs, rhs)
	}
	return d
}

// execMatMul computes lhs@rhs, or alpha*bias + beta*(lhs@rhs) if op.HasBias.
func (b *Backend) execMatMul(op *backends.Op, inputs []*Buffer, owned []bool, output shapes.Shape) *Buffer {
	lhs, rhs := inputs[0], inputs[1]
	dims := matMulDimsOf(lhs.shape, rhs.shape)
	alpha, beta := 0.0, 1.0
	var out *Buffer
	if op.HasBias {
		bias := inputs[2]
		if !bias.shape.Equal(output) {
			exceptions.Panicf("MatMul bias shape %s doesn't match output %s", bias.shape, output)
		}
		alpha, beta = op.Alpha, op.Beta
		if owned[2] {
			out = bias
		} else {
			out = b.cloneBuffer(bias)
		}
	} else {
		out = b.NewBuffer(output)
	}

	switch output.DType {
	case dtypes.Float32:
		b.gemm32(dims, lhs.flat.([]float32), rhs.flat.([]float32), out.flat.([]float32), float32(alpha), float32(beta))
	case dtypes.Float64:
		b.gemm64(dims, lhs.flat.([]float64), rhs.flat.([]float64), out.flat.([]float64), alpha, beta)
	case dtypes.Float16, dtypes.BFloat16:
		var out32 []float32
		if op.HasBias {
			out32 = toFloat32(out.flat)
		} else {
			out32 = make([]float32, output.Size())
		}
		b.gemm32(dims, toFloat32(lhs.flat), toFloat32(rhs.flat), out32, float32(alpha), float32(beta))
		fromFloat32(out32, out.flat, 0, len(out32))
	default:
		b.parallelFor(dims.batch*dims.m, func(start, end int) {
			dispatchMatMul.Dispatch(output.DType, dims, lhs.flat, rhs.flat, out.flat, alpha, beta, op.HasBias, start, end)
		})
	}
	return out
}

// gemm32 computes out = alpha*out + beta*(lhs@rhs) for each batch, using BLAS.
func (b *Backend) gemm32(dims matMulDims, lhs, rhs, out []float32, alpha, beta float32) {
	mk, kn, mn := dims.m*dims.k, dims.k*dims.n, dims.m*dims.n
	b.workers.ParallelFor(dims.batch, 1, func(start, end int) {
		for batch := start; batch < end; batch++ {
			a := blas32.General{Rows: dims.m, Cols: dims.k, Stride: dims.k, Data: lhs[batch*mk : (batch+1)*mk]}
			bm := blas32.General{Rows: dims.k, Cols: dims.n, Stride: dims.n, Data: rhs[batch*kn : (batch+1)*kn]}
			c := blas32.General{Rows: dims.m, Cols: dims.n, Stride: dims.n, Data: out[batch*mn : (batch+1)*mn]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, beta, a, bm, alpha, c)
		}
	})
}

// gemm64 computes out = alpha*out + beta*(lhs@rhs) for each batch, using BLAS.
func (b *Backend) gemm64(dims matMulDims, lhs, rhs, out []float64, alpha, beta float64) {
	mk, kn, mn := dims.m*dims.k, dims.k*dims.n, dims.m*dims.n
	b.workers.ParallelFor(dims.batch, 1, func(start, end int) {
		for batch := start; batch < end; batch++ {
			a := blas64.General{Rows: dims.m, Cols: dims.k, Stride: dims.k, Data: lhs[batch*mk : (batch+1)*mk]}
			bm := blas64.General{Rows: dims.k, Cols: dims.n, Stride: dims.n, Data: rhs[batch*kn : (batch+1)*kn]}
			c := blas64.General{Rows: dims.m, Cols: dims.n, Stride: dims.n, Data: out[batch*mn : (batch+1)*mn]}
			blas64.Gemm(blas.NoTrans, blas.NoTrans, beta, a, bm, alpha, c)
		}
	})
}

// execMatMulGeneric is the naive product for integer dtypes, over the rows [start, end) of the
// flattened [batch*m, n] output.
func execMatMulGeneric[T numeric](params ...any) any {
	dims := params[0].(matMulDims)
	lhs, rhs, out := params[1].([]T), params[2].([]T), params[3].([]T)
	// Coefficients saturate like Cast: a negative alpha is 0 for unsigned dtypes.
	alpha, beta := fromFloat64[T](params[4].(float64)), fromFloat64[T](params[5].(float64))
	hasBias := params[6].(bool)
	start, end := params[7].(int), params[8].(int)
	for row := start; row < end; row++ {
		batch := row / dims.m
		lhsRow := lhs[row*dims.k : (row+1)*dims.k]
		rhsBatch := rhs[batch*dims.k*dims.n : (batch+1)*dims.k*dims.n]
		outRow := out[row*dims.n : (row+1)*dims.n]
		for col := range dims.n {
			var sum T
			for p, v := range lhsRow {
				sum += v * rhsBatch[p*dims.n+col]
			}
			if hasBias {
				outRow[col] = alpha*outRow[col] + beta*sum
			} else {
				outRow[col] = sum
			}
		}
	}
	return nil
}
