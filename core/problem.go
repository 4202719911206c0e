package core

import (
	"cmp"
	"context"
	"errors"
)

// GraphGenerator defines an implicit OR-graph. Implementations must be safe
// for concurrent calls to Successors.
type GraphGenerator[N comparable, A any] interface {
	// Roots returns the root nodes of the graph.
	Roots(ctx context.Context) ([]N, error)

	// Successors returns the children of n together with the edge labels.
	Successors(ctx context.Context, n N) ([]Successor[N, A], error)
}

// GoalTester decides whether a path ends in a goal.
type GoalTester[N comparable, A any] interface {
	IsGoal(p Path[N, A]) bool
}

// GoalFunc adapts a function to the GoalTester interface.
type GoalFunc[N comparable, A any] func(p Path[N, A]) bool

// IsGoal calls f(p).
func (f GoalFunc[N, A]) IsGoal(p Path[N, A]) bool { return f(p) }

// NodeGoal returns a GoalTester that only looks at the head of the path.
func NodeGoal[N comparable, A any](f func(n N) bool) GoalTester[N, A] {
	return GoalFunc[N, A](func(p Path[N, A]) bool { return f(p.Head()) })
}

// EvalFunc computes the score of a path. Lower scores are better.
//
// Returning an error wrapping ErrPrune excludes the path from the search
// without failing it. The context is canceled when the node's evaluation
// budget is exhausted or the search shuts down.
type EvalFunc[N comparable, A any, V cmp.Ordered] func(ctx context.Context, p Path[N, A]) (V, error)

// Capabilities describes the optional behaviors of an Evaluator.
type Capabilities struct {
	// GraphDependent evaluators are told about the graph before the first evaluation.
	GraphDependent bool

	// ReportsSolutions evaluators announce solutions themselves; the engine
	// then does not register goal nodes on its own.
	ReportsSolutions bool

	// Cancelable evaluators are told to stop their background work on shutdown.
	Cancelable bool

	// AnnotatesUncertainty evaluators set AnnotationUncertainty on every node they label.
	AnnotatesUncertainty bool
}

// Evaluator is a path evaluator together with its optional capabilities.
// Only Eval is required; each optional hook turns on the matching capability.
type Evaluator[N comparable, A any, V cmp.Ordered] struct {
	// Name identifies the evaluator in logs.
	Name string

	// Eval scores a path.
	Eval EvalFunc[N, A, V]

	// BindGraph is called once before the first evaluation.
	BindGraph func(gen GraphGenerator[N, A], goal GoalTester[N, A]) error

	// SubscribeSolutions is called once before the first evaluation with a
	// function the evaluator must call for every solution it finds.
	SubscribeSolutions func(report func(Solution[N, A, V]))

	// CancelActive stops any background work of the evaluator.
	CancelActive func()

	// AnnotatesUncertainty declares that Eval sets AnnotationUncertainty on
	// every path it scores successfully.
	AnnotatesUncertainty bool
}

// EvaluatorFunc wraps a plain EvalFunc without optional capabilities.
func EvaluatorFunc[N comparable, A any, V cmp.Ordered](f EvalFunc[N, A, V]) Evaluator[N, A, V] {
	return Evaluator[N, A, V]{Eval: f}
}

// Capabilities reports which optional behaviors the evaluator provides.
func (e Evaluator[N, A, V]) Capabilities() Capabilities {
	return Capabilities{
		GraphDependent:       e.BindGraph != nil,
		ReportsSolutions:     e.SubscribeSolutions != nil,
		Cancelable:           e.CancelActive != nil,
		AnnotatesUncertainty: e.AnnotatesUncertainty,
	}
}

// Problem bundles everything the engine needs to search a graph.
type Problem[N comparable, A any, V cmp.Ordered] struct {
	Generator GraphGenerator[N, A]
	Goal      GoalTester[N, A]
	Evaluator Evaluator[N, A, V]
}

// Validate checks that all mandatory parts of the problem are present.
func (p Problem[N, A, V]) Validate() error {
	var errs []error
	if p.Generator == nil {
		errs = append(errs, errors.New("graph generator is nil"))
	}
	if p.Goal == nil {
		errs = append(errs, errors.New("goal tester is nil"))
	}
	if p.Evaluator.Eval == nil {
		errs = append(errs, errors.New("evaluator has no Eval function"))
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Join(ErrInvalidProblem, err)
	}
	return nil
}
