// Package problems provides synthetic search problems for benchmarks, tests
// and the command line tool.
package problems

import (
	"context"
	"fmt"

	"github.com/petal-labs/bestfirst/core"
)

// TreeNode is a node of a balanced tree, identified by its depth and its
// index within that depth.
type TreeNode struct {
	Depth int
	Index int
}

// String renders the node as depth/index.
func (n TreeNode) String() string {
	return fmt.Sprintf("%d/%d", n.Depth, n.Index)
}

// BalancedTree is a tree in which every inner node has Branching children
// and all leaves are at depth Depth. Leaves are the goals.
type BalancedTree struct {
	Branching int
	Depth     int
}

// Roots returns the single root at depth 0.
func (t BalancedTree) Roots(context.Context) ([]TreeNode, error) {
	return []TreeNode{{}}, nil
}

// Successors returns the children of n, labeled with the child position.
func (t BalancedTree) Successors(_ context.Context, n TreeNode) ([]core.Successor[TreeNode, int], error) {
	if n.Depth >= t.Depth {
		return nil, nil
	}
	out := make([]core.Successor[TreeNode, int], 0, t.Branching)
	for k := 0; k < t.Branching; k++ {
		out = append(out, core.Successor[TreeNode, int]{
			Node: TreeNode{Depth: n.Depth + 1, Index: n.Index*t.Branching + k},
			Arc:  k,
		})
	}
	return out, nil
}

// IsGoal reports whether the path ends in a leaf.
func (t BalancedTree) IsGoal(p core.Path[TreeNode, int]) bool {
	return p.Head().Depth == t.Depth
}

// Size returns the total number of nodes of the tree.
func (t BalancedTree) Size() int {
	total, level := 0, 1
	for d := 0; d <= t.Depth; d++ {
		total += level
		level *= t.Branching
	}
	return total
}

// Leaves returns the number of goal nodes.
func (t BalancedTree) Leaves() int {
	n := 1
	for d := 0; d < t.Depth; d++ {
		n *= t.Branching
	}
	return n
}

// TreeProblem bundles the tree with the given evaluator.
func TreeProblem(t BalancedTree, eval core.Evaluator[TreeNode, int, float64]) core.Problem[TreeNode, int, float64] {
	return core.Problem[TreeNode, int, float64]{Generator: t, Goal: t, Evaluator: eval}
}
