// Package core provides the foundational types and interfaces for bestfirst
// search problems.
//
// This package contains:
//   - Core types: Path, Successor, Solution, Annotations
//   - Interfaces: GraphGenerator, GoalTester
//   - The evaluator contract: EvalFunc, Evaluator, Capabilities
package core

import (
	"maps"
	"sync"
)

// Well-known annotation keys set by the engine on labeled nodes.
const (
	// AnnotationError holds a short description of why a node was not labeled normally.
	AnnotationError = "f_error"

	// AnnotationTime holds the wall-clock time spent evaluating the node.
	AnnotationTime = "f_time"

	// AnnotationUncertainty must be set by evaluators that claim to annotate uncertainty.
	AnnotationUncertainty = "f_uncertainty"
)

// Successor describes one outgoing edge of a node: the child and the edge label.
type Successor[N comparable, A any] struct {
	Node N
	Arc  A
}

// Annotations is a concurrency-safe set of named values attached to a node.
// A nil *Annotations is valid and behaves as an empty, read-only set.
type Annotations struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewAnnotations returns an empty annotation set.
func NewAnnotations() *Annotations {
	return &Annotations{values: make(map[string]any)}
}

// Set stores value under key, replacing any previous value.
func (a *Annotations) Set(key string, value any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[key] = value
}

// Get returns the value stored under key.
func (a *Annotations) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[key]
	return v, ok
}

// Len returns the number of annotations.
func (a *Annotations) Len() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}

// Snapshot returns a copy of all annotations.
func (a *Annotations) Snapshot() map[string]any {
	out := make(map[string]any)
	if a == nil {
		return out
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	maps.Copy(out, a.values)
	return out
}

// Path is an immutable root-to-head snapshot of a search path.
//
// Nodes()[0] is the root and Nodes()[Len()-1] is the head; Arcs()[i] labels
// the edge from Nodes()[i] to Nodes()[i+1]. Paths extended from a common
// prefix share it, so Extend is O(1). A Path may carry the annotation set of
// the node it was taken from, which evaluators can write to through
// SetAnnotation.
type Path[N comparable, A any] struct {
	last *pathStep[N, A]
	ann  *Annotations
}

// pathStep is one node of a path, linked to the step before it.
type pathStep[N comparable, A any] struct {
	prev  *pathStep[N, A]
	root  N
	node  N
	arc   A
	depth int
}

// NewPath creates a path from its nodes and arcs. len(arcs) must be
// len(nodes)-1; extra arcs are ignored and missing ones are zero-valued.
func NewPath[N comparable, A any](nodes []N, arcs []A) Path[N, A] {
	if len(nodes) == 0 {
		return Path[N, A]{}
	}
	p := RootPath[N, A](nodes[0])
	for i, n := range nodes[1:] {
		var arc A
		if i < len(arcs) {
			arc = arcs[i]
		}
		p = p.Extend(n, arc)
	}
	return p
}

// RootPath creates a single-node path.
func RootPath[N comparable, A any](root N) Path[N, A] {
	return Path[N, A]{last: &pathStep[N, A]{root: root, node: root}}
}

// Len returns the number of nodes on the path.
func (p Path[N, A]) Len() int {
	if p.last == nil {
		return 0
	}
	return p.last.depth + 1
}

// Depth returns the number of edges on the path.
func (p Path[N, A]) Depth() int {
	if p.last == nil {
		return 0
	}
	return p.last.depth
}

// Head returns the last node of the path.
func (p Path[N, A]) Head() N {
	var zero N
	if p.last == nil {
		return zero
	}
	return p.last.node
}

// Root returns the first node of the path.
func (p Path[N, A]) Root() N {
	var zero N
	if p.last == nil {
		return zero
	}
	return p.last.root
}

// LastArc returns the label of the edge into the head. The second result is
// false for single-node paths.
func (p Path[N, A]) LastArc() (A, bool) {
	var zero A
	if p.last == nil || p.last.prev == nil {
		return zero, false
	}
	return p.last.arc, true
}

// Nodes returns the nodes on the path in root-to-head order.
func (p Path[N, A]) Nodes() []N {
	out := make([]N, p.Len())
	for s := p.last; s != nil; s = s.prev {
		out[s.depth] = s.node
	}
	return out
}

// Arcs returns the arc labels on the path in root-to-head order.
func (p Path[N, A]) Arcs() []A {
	out := make([]A, p.Depth())
	for s := p.last; s != nil && s.prev != nil; s = s.prev {
		out[s.depth-1] = s.arc
	}
	return out
}

// Contains reports whether n occurs anywhere on the path.
func (p Path[N, A]) Contains(n N) bool {
	for s := p.last; s != nil; s = s.prev {
		if s.node == n {
			return true
		}
	}
	return false
}

// Extend returns a new path with n appended via arc. The receiver is not
// modified; both paths share their common prefix.
func (p Path[N, A]) Extend(n N, arc A) Path[N, A] {
	if p.last == nil {
		return RootPath[N, A](n)
	}
	return Path[N, A]{last: &pathStep[N, A]{
		prev:  p.last,
		root:  p.last.root,
		node:  n,
		arc:   arc,
		depth: p.last.depth + 1,
	}}
}

// WithAnnotations returns a copy of the path bound to the given annotation set.
func (p Path[N, A]) WithAnnotations(ann *Annotations) Path[N, A] {
	p.ann = ann
	return p
}

// SetAnnotation annotates the node this path was taken from. It is a no-op on
// paths that are not bound to a node.
func (p Path[N, A]) SetAnnotation(key string, value any) { p.ann.Set(key, value) }

// Annotation returns an annotation of the node this path was taken from.
func (p Path[N, A]) Annotation(key string) (any, bool) { return p.ann.Get(key) }

// Annotations returns a copy of the annotations of the node this path was taken from.
func (p Path[N, A]) Annotations() map[string]any { return p.ann.Snapshot() }

// Solution is a goal path together with its score and the annotations of its
// head node at the time it was found.
type Solution[N comparable, A any, V any] struct {
	Path        Path[N, A]
	Score       V
	Annotations map[string]any
}
