package graph

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/chazu/hotload/pkg/module"
)

// Snapshot is a point-in-time copy of an environment's import graph. It may
// contain cycles: modules that import each other are legal as long as one of
// them publishes early.
type Snapshot struct {
	// graph is the underlying graph structure from dominikbraun/graph.
	// An edge a -> b means a imports b.
	graph graph.Graph[module.ID, Node]

	// nodeMap provides quick lookup of nodes by ID
	nodeMap map[module.ID]*Node

	hash string
}

func nodeHash(n Node) module.ID { return n.ID }

// Build converts importer -> imported edges into a Snapshot. Every id that
// appears in edges, on either side, becomes a node; pathOf labels them.
func Build(edges map[module.ID][]module.ID, pathOf func(module.ID) (string, bool)) (*Snapshot, error) {
	if err := validate(edges, pathOf); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}

	nodeMap := make(map[module.ID]*Node, len(edges))
	add := func(id module.ID) *Node {
		n, ok := nodeMap[id]
		if !ok {
			p, _ := pathOf(id)
			n = &Node{ID: id, Path: p}
			nodeMap[id] = n
		}
		return n
	}
	for id, deps := range edges {
		n := add(id)
		n.DependsOn = slices.Sorted(slices.Values(deps))
		for _, dep := range deps {
			add(dep)
		}
	}

	g := graph.New(nodeHash, graph.Directed())

	// Add all vertices first
	for _, id := range slices.Sorted(maps.Keys(nodeMap)) {
		n := nodeMap[id]
		if err := g.AddVertex(*n, graph.VertexAttribute("label", n.Path)); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", id, err)
		}
	}
	for id, n := range nodeMap {
		for _, dep := range n.DependsOn {
			if err := g.AddEdge(id, dep); err != nil {
				return nil, fmt.Errorf("failed to add edge %s -> %s: %w", id, dep, err)
			}
		}
	}

	nodes := make([]Node, 0, len(nodeMap))
	for _, n := range nodeMap {
		nodes = append(nodes, *n)
	}

	return &Snapshot{
		graph:   g,
		nodeMap: nodeMap,
		hash:    ComputeHash(nodes),
	}, nil
}

// Node retrieves a node by ID
func (s *Snapshot) Node(id module.ID) (Node, bool) {
	n, found := s.nodeMap[id]
	if !found {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns every node in ascending id order
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, 0, len(s.nodeMap))
	for _, id := range slices.Sorted(maps.Keys(s.nodeMap)) {
		out = append(out, *s.nodeMap[id])
	}
	return out
}

// Size returns the number of nodes
func (s *Snapshot) Size() int {
	return len(s.nodeMap)
}

// Hash identifies the shape of the graph
func (s *Snapshot) Hash() string {
	return s.hash
}

// HasChanged returns true if the shape differs from a previously seen hash
func (s *Snapshot) HasChanged(previousHash string) bool {
	if previousHash == "" {
		return true
	}
	return s.hash != previousHash
}

// Dependencies returns the ids id imports
func (s *Snapshot) Dependencies(id module.ID) []module.ID {
	n, found := s.nodeMap[id]
	if !found {
		return nil
	}
	return slices.Clone(n.DependsOn)
}

// Dependents returns the ids that import id directly
func (s *Snapshot) Dependents(id module.ID) []module.ID {
	preds, err := s.graph.PredecessorMap()
	if err != nil {
		return nil
	}
	return slices.Sorted(maps.Keys(preds[id]))
}

// Order returns the ids with every module after the modules it imports. It
// fails if the graph has cycles.
func (s *Snapshot) Order() ([]module.ID, error) {
	order, err := graph.TopologicalSort(s.graph)
	if err != nil {
		return nil, fmt.Errorf("failed to compute topological sort (possible cycle): %w", err)
	}
	slices.Reverse(order)
	return order, nil
}

// Cycles returns the groups of modules that import each other, each group
// ascending. Components are found with Tarjan's algorithm over DependsOn;
// graph.StronglyConnectedComponents in dominikbraun/graph v0.23 merges
// unrelated vertices depending on map order.
func (s *Snapshot) Cycles() ([][]module.ID, error) {
	var (
		next    int
		index   = make(map[module.ID]int, len(s.nodeMap))
		low     = make(map[module.ID]int, len(s.nodeMap))
		onStack = make(map[module.ID]bool, len(s.nodeMap))
		stack   []module.ID
		cycles  [][]module.ID
	)

	var connect func(id module.ID)
	connect = func(id module.ID) {
		index[id], low[id] = next, next
		next++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range s.nodeMap[id].DependsOn {
			if _, seen := index[dep]; !seen {
				connect(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}
		if low[id] != index[id] {
			return
		}

		var group []module.ID
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			group = append(group, top)
			if top == id {
				break
			}
		}
		if len(group) > 1 {
			slices.Sort(group)
			cycles = append(cycles, group)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(s.nodeMap)) {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	slices.SortFunc(cycles, func(a, b []module.ID) int { return int(a[0]) - int(b[0]) })
	return cycles, nil
}

// Roots returns modules nothing imports
func (s *Snapshot) Roots() []module.ID {
	var roots []module.ID
	for _, id := range slices.Sorted(maps.Keys(s.nodeMap)) {
		if len(s.Dependents(id)) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns modules that import nothing
func (s *Snapshot) Leaves() []module.ID {
	var leaves []module.ID
	for _, id := range slices.Sorted(maps.Keys(s.nodeMap)) {
		if len(s.nodeMap[id].DependsOn) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// DOT writes the graph in Graphviz format, labelling nodes with their paths
func (s *Snapshot) DOT(w io.Writer) error {
	return draw.DOT(s.graph, w, draw.GraphAttribute("rankdir", "LR"))
}
