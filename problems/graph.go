package problems

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/bestfirst/core"
)

// Graph is an explicit weighted directed graph. Arc labels are edge weights.
// It is safe for concurrent reads once built.
type Graph[N comparable] struct {
	mu    sync.RWMutex
	roots []N
	edges map[N][]core.Successor[N, float64]
	goals map[N]bool
	h     map[N]float64
}

// NewGraph creates an empty graph with the given roots.
func NewGraph[N comparable](roots ...N) *Graph[N] {
	return &Graph[N]{
		roots: roots,
		edges: make(map[N][]core.Successor[N, float64]),
		goals: make(map[N]bool),
		h:     make(map[N]float64),
	}
}

// Edge adds a directed edge with weight w.
func (g *Graph[N]) Edge(from, to N, w float64) *Graph[N] {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[from] = append(g.edges[from], core.Successor[N, float64]{Node: to, Arc: w})
	return g
}

// Goal marks nodes as goals.
func (g *Graph[N]) Goal(nodes ...N) *Graph[N] {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		g.goals[n] = true
	}
	return g
}

// Heuristic sets the heuristic estimate of n used by CostEvaluator.
func (g *Graph[N]) Heuristic(n N, h float64) *Graph[N] {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h[n] = h
	return g
}

// Roots returns the roots of the graph.
func (g *Graph[N]) Roots(context.Context) ([]N, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]N(nil), g.roots...), nil
}

// Successors returns the outgoing edges of n.
func (g *Graph[N]) Successors(_ context.Context, n N) ([]core.Successor[N, float64], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]core.Successor[N, float64](nil), g.edges[n]...), nil
}

// IsGoal reports whether the path ends in a goal node.
func (g *Graph[N]) IsGoal(p core.Path[N, float64]) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.goals[p.Head()]
}

// CostEvaluator scores a path with its accumulated edge weight plus the
// heuristic of its head.
func (g *Graph[N]) CostEvaluator() core.Evaluator[N, float64, float64] {
	return core.Evaluator[N, float64, float64]{
		Name: "path-cost",
		Eval: func(_ context.Context, p core.Path[N, float64]) (float64, error) {
			cost := 0.0
			for _, w := range p.Arcs() {
				cost += w
			}
			g.mu.RLock()
			defer g.mu.RUnlock()
			return cost + g.h[p.Head()], nil
		},
	}
}

// Problem bundles the graph with the given evaluator.
func (g *Graph[N]) Problem(eval core.Evaluator[N, float64, float64]) core.Problem[N, float64, float64] {
	return core.Problem[N, float64, float64]{Generator: g, Goal: g, Evaluator: eval}
}

// Cell is a node of a Lattice.
type Cell struct {
	Row int
	Col int
}

// String renders the cell as row:col.
func (c Cell) String() string {
	return fmt.Sprintf("%d:%d", c.Row, c.Col)
}

// Lattice builds a triangular lattice of the given depth: every cell (r, c)
// has edges to (r+1, c) and (r+1, c+1), so most cells are reachable along
// many paths. Edge weights are derived deterministically from seed. Cells in
// the last row are goals.
func Lattice(depth int, seed int) *Graph[Cell] {
	g := NewGraph(Cell{})
	for r := 0; r < depth; r++ {
		for c := 0; c <= r; c++ {
			from := Cell{Row: r, Col: c}
			g.Edge(from, Cell{Row: r + 1, Col: c}, latticeWeight(r, c, 0, seed))
			g.Edge(from, Cell{Row: r + 1, Col: c + 1}, latticeWeight(r, c, 1, seed))
		}
	}
	for c := 0; c <= depth; c++ {
		g.Goal(Cell{Row: depth, Col: c})
	}
	return g
}

func latticeWeight(r, c, k, seed int) float64 {
	v := (r*31 + c*17 + k*7 + seed*13) % 9
	if v < 0 {
		v = -v
	}
	return float64(1 + v)
}

// Nodes returns all nodes with outgoing edges or goal status, sorted by
// their string form. Intended for tests.
func (g *Graph[N]) Nodes() []N {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[N]bool)
	var out []N
	add := func(n N) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, r := range g.roots {
		add(r)
	}
	for from, succ := range g.edges {
		add(from)
		for _, s := range succ {
			add(s.Node)
		}
	}
	for n := range g.goals {
		add(n)
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]) < fmt.Sprint(out[j]) })
	return out
}
