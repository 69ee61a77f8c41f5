// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluate computes the outputs, and the nodes they depend on, and returns them as materialized
// tensors, in the same order. Repeated outputs return the same *tensors.Tensor.
//
// Nodes are executed in id order, each on the backend of its device (see backends.ForDevice).
// Intermediate buffers are released as soon as their last consumer executed, so peak memory is
// bounded by the width of the graph, not by its number of nodes.
//
// The outputs are pinned (see MarkOutputs), so a later Optimize won't absorb them.
//
// Errors wrap backends.ErrCompilation, backends.ErrExecution, backends.ErrResource or
// backends.ErrUnavailable from the backends, or ErrConstruction for outputs not from this graph.
func (g *Graph) Evaluate(outputs ...GraphTensor) ([]*tensors.Tensor, error) {
	err := exceptions.TryCatch[error](func() {
		if len(outputs) == 0 {
			constructionPanicf("Evaluate", "no outputs given")
		}
		for _, output := range outputs {
			g.checkOwned("Evaluate", output)
		}
	})
	if err != nil {
		return nil, err
	}
	g.pin(outputs)
	e := newEvaluation(g, outputs)
	results, err := e.run()
	if err != nil {
		e.releaseAll()
		return nil, err
	}
	return results, nil
}

// evaluation holds the state of one Graph.Evaluate call.
type evaluation struct {
	graph   *Graph
	outputs []NodeID

	needed   []bool
	isOutput []bool

	// uses counts the operand positions of needed nodes still to execute, per node.
	uses []int

	buffers       []backends.Buffer
	owners        []backends.Backend
	live, maxLive int
}

func newEvaluation(g *Graph, outputs []GraphTensor) *evaluation {
	n := len(g.nodes)
	e := &evaluation{
		graph:    g,
		needed:   make([]bool, n),
		isOutput: make([]bool, n),
		uses:     make([]int, n),
		buffers:  make([]backends.Buffer, n),
		owners:   make([]backends.Backend, n),
	}
	for _, output := range outputs {
		e.outputs = append(e.outputs, output.id)
		e.needed[output.id] = true
		e.isOutput[output.id] = true
	}
	for id := n - 1; id >= 0; id-- {
		if !e.needed[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			if input >= NodeID(id) {
				exceptions.Panicf("Graph %q: node #%d has input #%d not preceding it", g.name, id, input)
			}
			e.needed[input] = true
			e.uses[input]++
		}
	}
	return e
}

func (e *evaluation) run() ([]*tensors.Tensor, error) {
	g := e.graph
	numExecuted := 0
	for id, node := range g.nodes {
		if !e.needed[id] {
			continue
		}
		backend, err := backends.ForDevice(node.device)
		if err != nil {
			if errors.Is(err, backends.ErrUnavailable) {
				// Ops the backend could never run are reported as such, even without a device.
				if declaredErr := backends.CheckDeclared(node.device, node.op, node.shape.DType); declaredErr != nil {
					err = declaredErr
				}
			}
			return nil, errors.WithMessagef(err, "Graph %q evaluating %s", g.name, node)
		}

		inputs := make([]backends.Buffer, len(node.inputs))
		owned := make([]bool, len(node.inputs))
		for ii, input := range node.inputs {
			inputs[ii] = e.buffers[input]
			// The backend may reuse an input buffer only if this node is its last use.
			occurrences := countOf(node.inputs, input)
			owned[ii] = !e.isOutput[input] && e.uses[input] == occurrences && slices.Index(node.inputs, input) == ii
		}

		output, err := backend.Execute(node.op, inputs, owned, node.shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "Graph %q evaluating %s", g.name, node)
		}
		numExecuted++
		e.buffers[id] = output
		e.owners[id] = backend
		e.live++
		e.maxLive = max(e.maxLive, e.live)
		if klog.V(3).Enabled() {
			klog.Infof("Graph %q: executed %s on %s", g.name, node, backend.Name())
		}

		for ii, input := range node.inputs {
			e.uses[input]--
			if e.uses[input] > 0 || e.isOutput[input] || e.buffers[input] == nil {
				continue
			}
			if inputs[ii] == output {
				// Reused as this node's output: not released.
				e.buffers[input] = nil
				e.owners[input] = nil
				e.live--
				continue
			}
			e.release(input)
		}
	}
	klog.V(2).Infof("Graph %q: executed %d nodes, at most %d live buffers", g.name, numExecuted, e.maxLive)

	results := make([]*tensors.Tensor, len(e.outputs))
	for ii, id := range e.outputs {
		if idx := slices.Index(e.outputs, id); idx < ii {
			results[ii] = results[idx]
			continue
		}
		tensor, err := tensors.FromBuffer(e.owners[id], e.buffers[id])
		if err != nil {
			return nil, errors.WithMessagef(err, "Graph %q materializing %s", g.name, g.nodes[id])
		}
		results[ii] = tensor
		// The Tensor owns the buffer now.
		e.buffers[id] = nil
	}
	return results, nil
}

// release finalizes the buffer of the node.
func (e *evaluation) release(id NodeID) {
	if err := e.owners[id].BufferFinalize(e.buffers[id]); err != nil {
		klog.Warningf("Graph %q: failed to release buffer of node #%d: %+v", e.graph.name, id, err)
	}
	e.buffers[id] = nil
	e.owners[id] = nil
	e.live--
}

// releaseAll finalizes every buffer still held, after a failure.
func (e *evaluation) releaseAll() {
	for id, buffer := range e.buffers {
		if buffer != nil {
			e.release(NodeID(id))
		}
	}
}

func countOf(ids []NodeID, id NodeID) int {
	count := 0
	for _, v := range ids {
		if v == id {
			count++
		}
	}
	return count
}
