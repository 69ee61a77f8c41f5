// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the core package of constensor: it builds lazy computation graphs, optimizes
// them by fusing elementwise operations, and evaluates them on the CPU or GPU backends.
//
// The main elements in the package are:
//
//   - Graph owns an arena of Node records, indexed by NodeID. Ids are assigned in construction
//     order, and every node's inputs have smaller ids, so id order is a topological order.
//
//   - GraphTensor is a lightweight handle (graph, id) returned by every construction function
//     (Fill, Add, MatMul, Cast, etc.). It owns no data and can be freely copied.
//
//   - Graph.Optimize rewrites the graph in place, substituting fused multiply-adds and merging
//     chains of elementwise operations into single Fused nodes, evaluated by one kernel.
//
//   - GraphTensor.ToTensor and Graph.Evaluate execute the needed nodes, each on the backend of
//     its device (see package backends), and return materialized tensors.Tensor values.
//
// # Error Handling
//
// Construction functions validate their operands (graph, shape, dtype and device) and panic
// with a *ConstructionError on violation, with a stack-trace. This keeps the building code
// readable, like the one of a math expression: for a well-written program these are bugs to be
// caught during development. Use exceptions.TryCatch[error] to convert them to errors.
//
// Evaluation errors (kernel compilation, execution, out-of-memory) are returned as values,
// wrapping one of the sentinels of package backends.
//
// # Concurrency
//
// A Graph is not safe for concurrent construction or optimization. Evaluations of the same Graph
// may run concurrently with each other (and with MarkOutputs), but not with construction or
// Optimize. The backends and their kernel caches are safe for concurrent use.
//
// To evaluate graphs, import a backend selection, usually:
//
//	import _ "github.com/gomlx/constensor/backends/default"
package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// NodeID is the index of a Node within its Graph.
type NodeID int

// InvalidNodeID is the id of a GraphTensor not created by a construction function.
const InvalidNodeID = NodeID(-1)

var graphCount atomic.Int64

// Graph owns the nodes of a computation. See package documentation.
type Graph struct {
	name string

	// nodes is indexed by NodeID. Optimize replaces terminal nodes of fused groups in place.
	nodes []*Node

	// pinned nodes are observed from outside the graph: they are never absorbed by a fusion.
	// Protected by muPinned, since concurrent evaluations pin their outputs.
	muPinned sync.Mutex
	pinned   map[NodeID]bool

	// absorbed maps a node merged by Optimize to the id of the node that computes it now.
	// Absorbed nodes keep their record in nodes, so they can still be evaluated.
	absorbed map[NodeID]NodeID

	// originals keeps the records of nodes replaced in place by Optimize.
	originals map[NodeID]*Node

	numRewrites int
}

// NewGraph constructs an empty Graph. If name is empty, a unique one is generated.
func NewGraph(name string) *Graph {
	count := graphCount.Add(1) - 1
	if name == "" {
		name = fmt.Sprintf("graph_#%d", count)
	}
	return &Graph{
		name:      name,
		pinned:    make(map[NodeID]bool),
		absorbed:  make(map[NodeID]NodeID),
		originals: make(map[NodeID]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Len returns the number of node records, including the ones absorbed by Optimize.
// Valid ids are in the range [0, Len()).
func (g *Graph) Len() int { return len(g.nodes) }

// NumNodes returns the number of live nodes: the ones not absorbed into another by Optimize.
func (g *Graph) NumNodes() int { return len(g.nodes) - len(g.absorbed) }

// registerNode appends the node to the arena, assigning it the next id.
func (g *Graph) registerNode(node *Node) GraphTensor {
	node.id = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return GraphTensor{graph: g, id: node.id}
}

// Node returns the current record for the id. It panics for an id not in the graph.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("Graph %q: invalid node id %d, graph has %d nodes", g.name, id, len(g.nodes))
	}
	return g.nodes[id]
}

// Original returns the record of the node as constructed, before Optimize replaced it.
// It is the same as Node(id) for nodes never replaced.
func (g *Graph) Original(id NodeID) *Node {
	if original, found := g.originals[id]; found {
		return original
	}
	return g.Node(id)
}

// Nodes returns the live nodes, in id order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.NumNodes())
	for _, node := range g.nodes {
		if g.IsLive(node.id) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// IsLive returns whether the node was not absorbed into another node by Optimize.
func (g *Graph) IsLive(id NodeID) bool {
	_, found := g.absorbed[id]
	return !found
}

// AbsorbedInto returns the id of the node that computes the absorbed node id, and false if id is live.
func (g *Graph) AbsorbedInto(id NodeID) (NodeID, bool) {
	into, found := g.absorbed[id]
	return into, found
}

// Consumers returns the ids of the live nodes that use id as input, in increasing order.
func (g *Graph) Consumers(id NodeID) []NodeID {
	_ = g.Node(id)
	var consumers []NodeID
	for _, node := range g.nodes[id+1:] {
		if g.IsLive(node.id) && slices.Contains(node.inputs, id) {
			consumers = append(consumers, node.id)
		}
	}
	return consumers
}

// consumersTable returns the live consumers of every node, each list in increasing order.
func (g *Graph) consumersTable() [][]NodeID {
	table := make([][]NodeID, len(g.nodes))
	for _, node := range g.nodes {
		if !g.IsLive(node.id) {
			continue
		}
		for ii, input := range node.inputs {
			if slices.Contains(node.inputs[:ii], input) {
				continue
			}
			table[input] = append(table[input], node.id)
		}
	}
	return table
}

// MarkOutputs pins the nodes as externally observed: Optimize won't absorb them into a fused node.
//
// Evaluate pins the nodes it evaluates, so it's only needed if Optimize is called before.
func (g *Graph) MarkOutputs(outputs ...GraphTensor) {
	for _, output := range outputs {
		g.checkOwned("MarkOutputs", output)
	}
	g.pin(outputs)
}

func (g *Graph) pin(outputs []GraphTensor) {
	g.muPinned.Lock()
	defer g.muPinned.Unlock()
	for _, output := range outputs {
		g.pinned[output.id] = true
	}
}

// IsPinned returns whether the node was marked as an output.
func (g *Graph) IsPinned(id NodeID) bool {
	g.muPinned.Lock()
	defer g.muPinned.Unlock()
	return g.pinned[id]
}

// String pretty-prints the live nodes of the graph, one per line.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes", g.name, g.NumNodes())
	if len(g.absorbed) > 0 {
		_, _ = fmt.Fprintf(&sb, " (%d absorbed by %d rewrites)", len(g.absorbed), g.numRewrites)
	}
	sb.WriteString("\n")
	for _, node := range g.Nodes() {
		sb.WriteString("\t")
		sb.WriteString(node.String())
		if g.IsPinned(node.id) {
			sb.WriteString(" [output]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
