package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

func nextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// runScheduled calls job on every activation of expr until ctx is done or
// maxRuns jobs have finished (0 = unlimited). Activations that fire while a
// job is still running are skipped.
func runScheduled(ctx context.Context, expr string, maxRuns int, logger *slog.Logger, job func(context.Context, int) error) error {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		finished int
		firstErr error
	)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		mu.Lock()
		n := finished + 1
		done := maxRuns > 0 && finished >= maxRuns
		mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}

		logger.Info("scheduled search starting", "run", n, "next", schedule.Next(time.Now().UTC()))
		err := job(ctx, n)

		mu.Lock()
		defer mu.Unlock()
		finished++
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if maxRuns > 0 && finished >= maxRuns {
			cancel()
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
