// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/constensor/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// GraphTensor is a handle to one node of a Graph: the symbolic value of an operation, to be used
// as operand to further operations or evaluated with ToTensor.
//
// It owns no data and is meant to be passed by value. The zero value is invalid.
type GraphTensor struct {
	graph *Graph
	id    NodeID
}

// Graph that holds the node, or nil for the zero GraphTensor.
func (t GraphTensor) Graph() *Graph { return t.graph }

// ID of the node referred to, or InvalidNodeID for the zero GraphTensor.
func (t GraphTensor) ID() NodeID {
	if t.graph == nil {
		return InvalidNodeID
	}
	return t.id
}

// Ok returns whether the handle refers to a node of a graph.
func (t GraphTensor) Ok() bool {
	return t.graph != nil && t.id >= 0 && int(t.id) < len(t.graph.nodes)
}

// Node returns the current record of the node referred to.
//
// After Graph.Optimize, it may be a FusedMulAdd or Fused node computing the same value as the
// constructed one, see Graph.Original.
func (t GraphTensor) Node() *Node {
	t.graph.checkOwned("GraphTensor.Node", t)
	return t.graph.nodes[t.id]
}

// Shape of the value, including its dtype.
func (t GraphTensor) Shape() shapes.Shape { return t.Node().shape }

// DType of the value.
func (t GraphTensor) DType() dtypes.DType { return t.Node().shape.DType }

// Rank of the value's shape.
func (t GraphTensor) Rank() int { return t.Node().shape.Rank() }

// Device where the value is computed.
func (t GraphTensor) Device() shapes.Device { return t.Node().device }

// String implements fmt.Stringer.
func (t GraphTensor) String() string {
	if !t.Ok() {
		return "GraphTensor(invalid)"
	}
	n := t.graph.nodes[t.id]
	return fmt.Sprintf("GraphTensor(#%d, %s, %s @%s)", t.id, n.op.Type, n.shape, n.device)
}

// ToTensor evaluates the value, along with the nodes it depends on, and returns it materialized.
// See Graph.Evaluate.
func (t GraphTensor) ToTensor() (*tensors.Tensor, error) {
	if !t.Ok() {
		return nil, newConstructionError("ToTensor", "invalid GraphTensor (zero value or not from a graph)")
	}
	results, err := t.graph.Evaluate(t)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}
