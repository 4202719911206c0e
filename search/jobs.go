package search

import "sync"

// jobTracker counts node builders that were handed to the pool and have not
// finished yet. Every change closes the current changed channel, so waiters
// can select on it together with cancellation.
type jobTracker struct {
	mu      sync.Mutex
	active  int
	changed chan struct{}
	reset   bool
}

func newJobTracker() *jobTracker {
	return &jobTracker{changed: make(chan struct{})}
}

// add registers n new jobs. It is a no-op after shutdown.
func (t *jobTracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reset || n == 0 {
		return
	}
	t.active += n
	t.broadcastLocked()
}

// done marks one job as finished. Late calls after shutdown are ignored.
func (t *jobTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reset || t.active == 0 {
		return
	}
	t.active--
	t.broadcastLocked()
}

// snapshot returns the current number of active jobs and a channel that is
// closed on the next change.
func (t *jobTracker) snapshot() (int, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.changed
}

func (t *jobTracker) count() int {
	n, _ := t.snapshot()
	return n
}

// notify wakes all waiters without changing the count. Used when OPEN or the
// pending solution queue changed.
func (t *jobTracker) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastLocked()
}

// zero forces the counter to zero and ignores all further changes.
func (t *jobTracker) zero() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = 0
	t.reset = true
	t.broadcastLocked()
}

func (t *jobTracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
