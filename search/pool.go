package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// builderPool runs node builders on at most size goroutines at a time.
// Submitted tasks queue on the semaphore; they never block the submitter.
type builderPool struct {
	sem    *semaphore.Weighted
	size   int
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newBuilderPool(parent context.Context, size int, logger *slog.Logger) *builderPool {
	ctx, cancel := context.WithCancelCause(parent)
	return &builderPool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// submit schedules task. onExit runs exactly once, whether the task ran,
// panicked, or was dropped because the pool shut down first.
func (p *builderPool) submit(task func(ctx context.Context), onExit func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer onExit()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		if r := panics.Try(func() { task(p.ctx) }); r != nil {
			p.logger.Error("node builder panicked",
				"error", r.AsError(),
				"stack", string(r.Stack),
			)
		}
	}()
}

// shutdown cancels all queued and running tasks and waits up to grace for
// them to return. It reports whether the pool drained in time.
func (p *builderPool) shutdown(cause error, grace time.Duration) bool {
	p.cancel(cause)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}
