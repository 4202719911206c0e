package search

// emitEvent stamps ev with run ID, sequence number and elapsed time and
// publishes it. Emission is serialized so that subscribers observe events in
// sequence order. After EventSearchTerminated the emitter is sealed and
// further events are dropped.
func (e *Engine[N, A, V]) emitEvent(ev Event) Event {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	if e.sealed {
		return ev
	}
	if ev.RunID == "" {
		ev.RunID = e.runID
	}
	ev.Seq = e.seq.Next()
	if ev.Elapsed == 0 && !e.started.IsZero() {
		ev.Elapsed = ev.Time.Sub(e.started)
	}
	e.publish(ev)
	if ev.Kind == EventSearchTerminated {
		e.sealed = true
	}
	return ev
}

// deliver is the innermost emitter: it fans an event out to the bus and the handler.
func (e *Engine[N, A, V]) deliver(ev Event) {
	if e.opts.EventBus != nil {
		e.opts.EventBus.Publish(ev)
	}
	if e.opts.EventHandler != nil {
		e.opts.EventHandler(ev)
	}
}

func (e *Engine[N, A, V]) nodeEvent(kind EventKind, ref nodeRef) Event {
	return NewEvent(kind, e.runID).WithNode(ref.id, ref.parent, ref.label)
}

// emitNode builds a node event, lets decorate add details and emits it.
func (e *Engine[N, A, V]) emitNode(kind EventKind, ref nodeRef, decorate func(Event) Event) Event {
	ev := e.nodeEvent(kind, ref)
	if decorate != nil {
		ev = decorate(ev)
	}
	return e.emitEvent(ev)
}

func (e *Engine[N, A, V]) emitProgress() {
	st := e.Stats()
	e.emitEvent(NewEvent(EventSearchProgress, e.runID).
		WithPayload("open", st.Open).
		WithPayload("active_jobs", st.ActiveJobs).
		WithPayload("created", st.Created).
		WithPayload("expanded", st.Expanded).
		WithPayload("solutions", st.Solutions))
}
