package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/bestfirst/search"
)

// StoreSubscriber writes events to an EventStore. Failed appends are retried
// with exponential backoff unless the store reports the event as
// unencodable; an event that still cannot be stored is logged and dropped.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger

	// MaxElapsedTime bounds the retries of a single append (default: 2s).
	MaxElapsedTime time.Duration
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:          store,
		logger:         logger,
		MaxElapsedTime: 2 * time.Second,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event search.Event) {
	if err := s.append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Consume persists every event of sub until the subscription is closed or
// ctx is done.
func (s *StoreSubscriber) Consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.append(ctx, event); err != nil {
				s.logger.Error("failed to persist event",
					"run_id", event.RunID,
					"kind", event.Kind,
					"seq", event.Seq,
					"error", err,
				)
			}
		}
	}
}

func (s *StoreSubscriber) append(ctx context.Context, event search.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = s.MaxElapsedTime

	attempt := 1
	return backoff.Retry(func() error {
		err := s.store.Append(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnencodable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("retrying event append",
			"run_id", event.RunID,
			"seq", event.Seq,
			"attempt", attempt,
			"error", err,
		)
		attempt++
		return err
	}, backoff.WithContext(policy, ctx))
}
