package search

import "context"

// emitterKey is an unexported type used as the context key for EventEmitter.
type emitterKey struct{}

// ContextWithEmitter attaches an event emitter to the context.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
//
// Evaluators receive a context whose emitter fills in the run ID and the
// node being labeled, so events built with NewEvent(kind, "") are attributed
// correctly.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}

// nodeEmitter stamps run and node information on events emitted by evaluators.
func nodeEmitter(emit EventEmitter, runID string, ref nodeRef) EventEmitter {
	return func(e Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		if !e.HasNode() && ref.id != NoNode {
			e = e.WithNode(ref.id, ref.parent, ref.label)
		}
		emit(e)
	}
}
