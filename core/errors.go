package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPrune is returned by evaluators to exclude a path from the search.
	ErrPrune = errors.New("path pruned by evaluator")

	// ErrEvaluationTimeout marks a node whose evaluation exceeded its budget.
	ErrEvaluationTimeout = errors.New("node evaluation timed out")

	// ErrStructuralViolation is a broken engine invariant. It always fails the search.
	ErrStructuralViolation = errors.New("structural violation")

	// ErrRootNotLabeled is returned when a root cannot be scored.
	ErrRootNotLabeled = errors.New("root node could not be labeled")

	// ErrInvalidProblem is returned for incomplete problem definitions.
	ErrInvalidProblem = errors.New("invalid problem")
)

// EvaluationError records the failure of an evaluator on a specific node.
type EvaluationError struct {
	Node string // formatted head of the path
	Err  error
}

// Error implements the error interface.
func (e EvaluationError) Error() string {
	return fmt.Sprintf("evaluating node %s: %v", e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e EvaluationError) Unwrap() error {
	return e.Err
}

// Violation wraps ErrStructuralViolation with a description.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStructuralViolation, fmt.Sprintf(format, args...))
}
