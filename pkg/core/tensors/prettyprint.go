// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// summaryEdge is the number of leading and trailing entries kept when an axis is elided.
const summaryEdge = 3

// Summary returns a multi-line summary of the Tensor's content, formatted as a Go literal. Axes
// longer than 2*3 entries are elided to their first and last 3. Values are transferred to the
// host if not yet cached.
func (t *Tensor) Summary(precision int) string {
	p := summaryPrinter{precision: precision}
	dims := t.shape.Dimensions
	err := t.constFlat(func(flat any) {
		p.values = reflect.ValueOf(flat)
		for _, dim := range dims {
			fmt.Fprintf(&p.sb, "[%d]", dim)
		}
		p.sb.WriteString(p.values.Type().Elem().String())
		if len(dims) == 0 {
			p.sb.WriteByte('(')
			p.writeValue(0)
			p.sb.WriteByte(')')
			return
		}
		p.strides = make([]int, len(dims))
		stride := 1
		for axis := len(dims) - 1; axis >= 0; axis-- {
			p.strides[axis] = stride
			stride *= dims[axis]
		}
		p.dims = dims
		p.writeAxis(0, 0)
	})
	if err != nil {
		return fmt.Sprintf("%s: %v", t.shape, err)
	}
	return p.sb.String()
}

type summaryPrinter struct {
	sb            strings.Builder
	precision     int
	values        reflect.Value
	dims, strides []int
}

// visibleIndices returns the entries printed for an axis of size n, with -1 marking the elision.
func visibleIndices(n int) []int {
	if n <= 2*summaryEdge {
		indices := make([]int, n)
		for ii := range indices {
			indices[ii] = ii
		}
		return indices
	}
	indices := make([]int, 0, 2*summaryEdge+1)
	for ii := range summaryEdge {
		indices = append(indices, ii)
	}
	indices = append(indices, -1)
	for ii := n - summaryEdge; ii < n; ii++ {
		indices = append(indices, ii)
	}
	return indices
}

func (p *summaryPrinter) writeAxis(axis, offset int) {
	p.sb.WriteByte('{')
	last := axis == len(p.dims)-1
	separator := ", "
	if !last {
		separator = ",\n" + strings.Repeat(" ", axis+1)
		if axis == 0 {
			// Rows start on their own line.
			p.sb.WriteString("\n ")
		}
	}
	for ii, index := range visibleIndices(p.dims[axis]) {
		if ii > 0 {
			p.sb.WriteString(separator)
		}
		switch {
		case index < 0:
			p.sb.WriteString("...")
		case last:
			p.writeValue(offset + index)
		default:
			p.writeAxis(axis+1, offset+index*p.strides[axis])
		}
	}
	p.sb.WriteByte('}')
}

func (p *summaryPrinter) writeValue(index int) {
	v := p.values.Index(index)
	switch x := v.Interface().(type) {
	case float16.Float16:
		fmt.Fprintf(&p.sb, "%.*g", p.precision, x.Float32())
		return
	case bfloat16.BFloat16:
		fmt.Fprintf(&p.sb, "%.*g", p.precision, x.Float32())
		return
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fmt.Fprintf(&p.sb, "%d", v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fmt.Fprintf(&p.sb, "%d", v.Uint())
	default:
		fmt.Fprintf(&p.sb, "%.*g", p.precision, v.Interface())
	}
}
