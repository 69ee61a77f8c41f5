// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/constensor/backends"
	"github.com/gomlx/constensor/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// Optimize rewrites the graph in place to reduce the number of kernels evaluated:
//
//  1. Substitutes floating point Add(Mul(a, b), c) by FusedMulAdd(a, b, c), trying the left
//     operand of the Add first.
//  2. Merges chains of elementwise nodes (unary, binary and FusedMulAdd) with the same shape,
//     dtype and device into single Fused nodes, with at most backends.MaxFusedInputs distinct
//     inputs.
//
// Only nodes consumed by exactly one other node are absorbed: a node with several consumers, or
// pinned as an output (see MarkOutputs and Evaluate), can only be the last one of a chain. When
// the inputs limit is reached, chains feeding the left operands are merged first.
//
// The rewritten node keeps the id of the last node of the chain. Absorbed nodes are no longer
// counted by NumNodes, but their handles remain valid: evaluating one computes it from its
// original operation.
//
// Optimize is idempotent and doesn't fail on graphs built with the construction functions.
func (g *Graph) Optimize() {
	before := g.NumNodes()
	numFMAs := g.substituteFusedMulAdds()
	numFused := 0
	for {
		n := g.fuseChains()
		if n == 0 {
			break
		}
		numFused += n
	}
	g.numRewrites += numFMAs + numFused
	klog.V(1).Infof("Graph %q optimized: %d -> %d nodes, %d fused multiply-adds, %d fused chains",
		g.name, before, g.NumNodes(), numFMAs, numFused)
}

// isFusable returns whether the node is live and elementwise.
func (g *Graph) isFusable(id NodeID) bool {
	return g.IsLive(id) && g.nodes[id].IsElementwise()
}

// compatible returns whether the two nodes can be evaluated by the same kernel.
func compatible(a, b *Node) bool {
	return a.device == b.device && a.shape.Equal(b.shape)
}

// hasSingleObserver returns whether the node is consumed by exactly one live node and is not pinned.
func (g *Graph) hasSingleObserver(id NodeID, consumers [][]NodeID) bool {
	return len(consumers[id]) == 1 && !g.IsPinned(id)
}

// replaceNode replaces the record of node.id by the node, keeping the original constructed record.
func (g *Graph) replaceNode(node *Node) {
	if _, found := g.originals[node.id]; !found {
		g.originals[node.id] = g.nodes[node.id]
	}
	g.nodes[node.id] = node
}

// absorb marks id as computed by into. Nodes previously absorbed into id are moved to into as well.
func (g *Graph) absorb(id, into NodeID) {
	for absorbedID, target := range g.absorbed {
		if target == id {
			g.absorbed[absorbedID] = into
		}
	}
	g.absorbed[id] = into
}

// removeConsumer removes consumer from the sorted list, if present.
func removeConsumer(list []NodeID, consumer NodeID) []NodeID {
	if idx, found := slices.BinarySearch(list, consumer); found {
		return slices.Delete(list, idx, idx+1)
	}
	return list
}

// addConsumer inserts consumer in the sorted list, if not yet present.
func addConsumer(list []NodeID, consumer NodeID) []NodeID {
	if idx, found := slices.BinarySearch(list, consumer); !found {
		return slices.Insert(list, idx, consumer)
	}
	return list
}

// substituteFusedMulAdds implements the first rewrite of Optimize, and returns the number of substitutions.
func (g *Graph) substituteFusedMulAdds() int {
	consumers := g.consumersTable()
	count := 0
	for _, node := range g.nodes {
		if !g.IsLive(node.id) || node.op.Type != backends.OpTypeAdd || !shapes.IsFloat(node.shape.DType) {
			continue
		}
		for operand := range 2 {
			mulID, otherID := node.inputs[operand], node.inputs[1-operand]
			mul := g.nodes[mulID]
			if mulID == otherID || !g.IsLive(mulID) || mul.op.Type != backends.OpTypeMul ||
				!g.hasSingleObserver(mulID, consumers) || !compatible(mul, node) {
				continue
			}
			fma := &Node{
				id:     node.id,
				op:     &backends.Op{Type: backends.OpTypeFusedMulAdd},
				shape:  node.shape,
				device: node.device,
				inputs: []NodeID{mul.inputs[0], mul.inputs[1], otherID},
			}
			g.replaceNode(fma)
			g.absorb(mulID, node.id)
			consumers[mulID] = nil
			for _, input := range mul.inputs {
				consumers[input] = addConsumer(removeConsumer(consumers[input], mulID), node.id)
			}
			count++
			break
		}
	}
	return count
}

// fuseChains scans the graph once in id order, merging chains of fusable nodes.
// It returns the number of Fused nodes created.
func (g *Graph) fuseChains() int {
	consumers := g.consumersTable()
	count := 0
	for id := range g.nodes {
		start := NodeID(id)
		if !g.isFusable(start) {
			continue
		}

		// Grow forward while the chain end has a single fusable observer.
		terminal := start
		for g.hasSingleObserver(terminal, consumers) {
			next := consumers[terminal][0]
			if !g.isFusable(next) || !compatible(g.nodes[next], g.nodes[terminal]) {
				break
			}
			terminal = next
		}

		members, externals := g.collectGroup(terminal, consumers)
		if len(members) < 2 {
			continue
		}
		g.emitFused(terminal, members, externals, consumers)
		count++
	}
	return count
}

// collectGroup grows the group backwards from terminal, through the inputs in operand order,
// absorbing fusable inputs observed only by a group member, as long as the group has at most
// backends.MaxFusedInputs distinct external inputs.
//
// It returns the members in id order, terminal last, and the external inputs in first-use order.
func (g *Graph) collectGroup(terminal NodeID, consumers [][]NodeID) (members, externals []NodeID) {
	inGroup := map[NodeID]bool{terminal: true}
	var visit func(id NodeID)
	visit = func(id NodeID) {
		for _, input := range g.nodes[id].inputs {
			if inGroup[input] || !g.isFusable(input) || !g.hasSingleObserver(input, consumers) ||
				!compatible(g.nodes[input], g.nodes[terminal]) {
				continue
			}
			inGroup[input] = true
			if _, candidateExternals := g.groupInputs(inGroup); len(candidateExternals) > backends.MaxFusedInputs {
				delete(inGroup, input)
				continue
			}
			visit(input)
		}
	}
	visit(terminal)
	return g.groupInputs(inGroup)
}

// groupInputs returns the sorted members of the group and its external inputs in first-use order.
func (g *Graph) groupInputs(inGroup map[NodeID]bool) (members, externals []NodeID) {
	members = make([]NodeID, 0, len(inGroup))
	for id := range inGroup {
		members = append(members, id)
	}
	slices.Sort(members)
	for _, member := range members {
		for _, input := range g.nodes[member].inputs {
			if !inGroup[input] && !slices.Contains(externals, input) {
				externals = append(externals, input)
			}
		}
	}
	return
}

// emitFused replaces terminal by a Fused node evaluating the members, and updates consumers.
func (g *Graph) emitFused(terminal NodeID, members, externals []NodeID, consumers [][]NodeID) {
	last := g.nodes[terminal]
	program := &backends.FusedProgram{
		DType:     last.shape.DType,
		NumInputs: len(externals),
		Steps:     make([]backends.FusedStep, len(members)),
	}
	stepOf := make(map[NodeID]int, len(members))
	for ii, member := range members {
		node := g.nodes[member]
		step := backends.FusedStep{Op: node.op.Type, Operands: make([]backends.FusedOperand, len(node.inputs))}
		for jj, input := range node.inputs {
			if stepIdx, found := stepOf[input]; found {
				step.Operands[jj] = backends.FusedStepOutput(stepIdx)
			} else {
				step.Operands[jj] = backends.FusedInput(slices.Index(externals, input))
			}
		}
		program.Steps[ii] = step
		stepOf[member] = ii
	}

	for _, member := range members {
		for _, input := range g.nodes[member].inputs {
			consumers[input] = removeConsumer(consumers[input], member)
		}
		if member != terminal {
			consumers[member] = nil
		}
	}
	for _, input := range externals {
		consumers[input] = addConsumer(consumers[input], terminal)
	}

	g.replaceNode(&Node{
		id:     terminal,
		op:     &backends.Op{Type: backends.OpTypeFused, Program: program},
		shape:  last.shape,
		device: last.device,
		inputs: slices.Clone(externals),
	})
	for _, member := range members[:len(members)-1] {
		g.absorb(member, terminal)
	}
	if klog.V(2).Enabled() {
		klog.Infof("Graph %q: fused %v into #%d: %s", g.name, members, terminal, program.Signature())
	}
}
