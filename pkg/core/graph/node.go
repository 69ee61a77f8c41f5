// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Node is one operation record of the Graph. It is never mutated after creation, only superseded
// by Graph.Optimize.
//
// Its shape and device are a pure function of its op and of the shapes and devices of its inputs.
type Node struct {
	id     NodeID
	op     *backends.Op
	shape  shapes.Shape
	device shapes.Device

	// inputs are the ids of the operand nodes, all smaller than id.
	inputs []NodeID
}

// ID of the node within its Graph.
func (n *Node) ID() NodeID { return n.id }

// Op returns the operation, with its static parameters. It must not be modified.
func (n *Node) Op() *backends.Op { return n.op }

// Type returns the type of the operation.
func (n *Node) Type() backends.OpType { return n.op.Type }

// Shape of the node's output.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's output.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Device where the node is evaluated.
func (n *Node) Device() shapes.Device { return n.device }

// Inputs returns a copy of the ids of the operands, in operand order.
func (n *Node) Inputs() []NodeID { return slices.Clone(n.inputs) }

// NumInputs returns the number of operands.
func (n *Node) NumInputs() int { return len(n.inputs) }

// IsElementwise returns whether the node is a unary, binary or fused multiply-add operation,
// the ones that can be merged into a Fused node.
func (n *Node) IsElementwise() bool { return n.op.Type.IsElementwise() }

// String pretty-prints the node, e.g.: "#3: Add(#1, #2) -> (Float32)[2 3] @cpu".
func (n *Node) String() string {
	inputs := make([]string, len(n.inputs))
	for ii, input := range n.inputs {
		inputs[ii] = fmt.Sprintf("#%d", input)
	}
	return fmt.Sprintf("#%d: %s(%s) -> %s @%s", n.id, n.op, strings.Join(inputs, ", "), n.shape, n.device)
}
