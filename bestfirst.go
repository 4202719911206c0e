// Package bestfirst provides an anytime best-first search over OR-graphs.
//
// This file re-exports the commonly used types and constructors from the
// core and search subpackages so that simple programs need a single import.
//
// For larger programs, consider importing the subpackages directly:
//
//	import "github.com/petal-labs/bestfirst/core"
//	import "github.com/petal-labs/bestfirst/search"
package bestfirst

import (
	"cmp"
	"context"

	"github.com/petal-labs/bestfirst/core"
	"github.com/petal-labs/bestfirst/search"
)

// =============================================================================
// Core Package Re-exports
// =============================================================================

type (
	// Path is an immutable root-to-head path through the search graph.
	Path[N comparable, A any] = core.Path[N, A]

	// Successor is a child node together with the label of the arc to it.
	Successor[N comparable, A any] = core.Successor[N, A]

	// Solution is a goal path with its score.
	Solution[N comparable, A any, V any] = core.Solution[N, A, V]

	// Evaluator assigns scores to paths.
	Evaluator[N comparable, A any, V cmp.Ordered] = core.Evaluator[N, A, V]

	// Problem bundles generator, goal tester and evaluator.
	Problem[N comparable, A any, V cmp.Ordered] = core.Problem[N, A, V]

	// Capabilities describes the optional hooks an evaluator provides.
	Capabilities = core.Capabilities
)

// Core package errors
var (
	ErrPrune               = core.ErrPrune
	ErrEvaluationTimeout   = core.ErrEvaluationTimeout
	ErrStructuralViolation = core.ErrStructuralViolation
	ErrRootNotLabeled      = core.ErrRootNotLabeled
	ErrInvalidProblem      = core.ErrInvalidProblem
)

// =============================================================================
// Search Package Re-exports
// =============================================================================

type (
	// Engine is a best-first search over a single problem.
	Engine[N comparable, A any, V cmp.Ordered] = search.Engine[N, A, V]

	// Options configures an Engine.
	Options[N comparable, A any, V cmp.Ordered] = search.Options[N, A, V]

	// Event is a record of something that happened during a search.
	Event = search.Event

	// EventKind identifies the type of an Event.
	EventKind = search.EventKind

	// EventHandler receives events.
	EventHandler = search.EventHandler

	// NodeID identifies a node within one search.
	NodeID = search.NodeID

	// NodeStatus is the lifecycle status of a node.
	NodeStatus = search.NodeStatus

	// ParentDiscarding selects how reachable-twice nodes are handled.
	ParentDiscarding = search.ParentDiscarding

	// Stats is a point-in-time summary of a search.
	Stats = search.Stats
)

// ParentDiscarding constants
const (
	DiscardNone = search.DiscardNone
	DiscardOpen = search.DiscardOpen
	DiscardAll  = search.DiscardAll
)

// Search package errors
var (
	ErrSearchCanceled = search.ErrSearchCanceled
	ErrSearchTimeout  = search.ErrSearchTimeout
	ErrTerminated     = search.ErrTerminated
	ErrExhausted      = search.ErrExhausted
	ErrNoSolution     = search.ErrNoSolution
)

// Search package constructors
var (
	MultiEventHandler     = search.MultiEventHandler
	ChannelEventHandler   = search.ChannelEventHandler
	ParseParentDiscarding = search.ParseParentDiscarding
)

// NewEngine creates a search engine for p.
func NewEngine[N comparable, A any, V cmp.Ordered](p core.Problem[N, A, V], opts search.Options[N, A, V]) (*search.Engine[N, A, V], error) {
	return search.New(p, opts)
}

// DefaultOptions returns the default engine options.
func DefaultOptions[N comparable, A any, V cmp.Ordered]() search.Options[N, A, V] {
	return search.DefaultOptions[N, A, V]()
}

// EvaluatorFunc wraps f as an Evaluator without optional hooks.
func EvaluatorFunc[N comparable, A any, V cmp.Ordered](f core.EvalFunc[N, A, V]) core.Evaluator[N, A, V] {
	return core.EvaluatorFunc[N, A, V](f)
}

// Search runs p to completion with default options and returns the best
// solution found.
func Search[N comparable, A any, V cmp.Ordered](ctx context.Context, p core.Problem[N, A, V]) (core.Solution[N, A, V], error) {
	e, err := search.New(p, search.DefaultOptions[N, A, V]())
	if err != nil {
		return core.Solution[N, A, V]{}, err
	}
	defer e.Close()
	return e.Run(ctx)
}
