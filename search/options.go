package search

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/bestfirst/core"
)

// ParentDiscarding selects how the engine treats a new path to a node that
// is already known.
type ParentDiscarding int

const (
	// DiscardNone keeps every path as its own node. The search is a tree search.
	DiscardNone ParentDiscarding = iota

	// DiscardOpen keeps only the better of two paths to a node while the node
	// is on OPEN. Paths to expanded nodes are dropped.
	DiscardOpen

	// DiscardAll behaves like DiscardOpen and additionally reopens an expanded
	// node when a strictly better path to it is found.
	DiscardAll
)

// String returns the configuration name of the policy.
func (p ParentDiscarding) String() string {
	switch p {
	case DiscardNone:
		return "none"
	case DiscardOpen:
		return "open"
	case DiscardAll:
		return "all"
	default:
		return fmt.Sprintf("ParentDiscarding(%d)", int(p))
	}
}

// ParseParentDiscarding parses "none", "open" or "all" (case-insensitive).
func ParseParentDiscarding(s string) (ParentDiscarding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DiscardNone, nil
	case "open":
		return DiscardOpen, nil
	case "all":
		return DiscardAll, nil
	default:
		return DiscardNone, fmt.Errorf("unknown parent discarding policy %q (want none, open or all)", s)
	}
}

// Options controls engine behavior.
type Options[N comparable, A any, V cmp.Ordered] struct {
	// ParentDiscarding selects the duplicate-path policy (default: DiscardNone).
	ParentDiscarding ParentDiscarding

	// Workers is the number of concurrent node builders. Zero builds
	// successors inline on the goroutine calling Step.
	Workers int

	// NodeTimeout bounds the evaluation of a single node (0 = unbounded).
	NodeTimeout time.Duration

	// TimeoutEvaluator scores nodes whose primary evaluation timed out. If nil,
	// timed-out nodes are pruned.
	TimeoutEvaluator core.EvalFunc[N, A, V]

	// Timeout bounds the whole search, measured from the first Step (0 = unbounded).
	Timeout time.Duration

	// Comparator orders OPEN. If nil, ByScore is used.
	Comparator OpenComparator[V]

	// ShutdownGrace bounds how long shutdown waits for running builders (default: 5s).
	ShutdownGrace time.Duration

	// RunID identifies the run in events. If empty, a UUID is generated.
	RunID string

	// Logger receives engine diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives every event during the search.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	// If nil, events are only sent to EventHandler.
	EventBus EventPublisher
}

// DefaultOptions returns sensible default options.
func DefaultOptions[N comparable, A any, V cmp.Ordered]() Options[N, A, V] {
	return Options[N, A, V]{
		ParentDiscarding: DiscardNone,
		Workers:          0,
		ShutdownGrace:    5 * time.Second,
	}
}

func (o *Options[N, A, V]) applyDefaults() error {
	if o.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", o.Workers)
	}
	if o.NodeTimeout < 0 || o.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if o.ParentDiscarding < DiscardNone || o.ParentDiscarding > DiscardAll {
		return fmt.Errorf("invalid parent discarding policy %s", o.ParentDiscarding)
	}
	if o.Comparator == nil {
		o.Comparator = ByScore[V]()
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}
