package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/bestfirst/bus"
	"github.com/petal-labs/bestfirst/core"
	bfotel "github.com/petal-labs/bestfirst/otel"
	"github.com/petal-labs/bestfirst/problems"
	"github.com/petal-labs/bestfirst/search"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search a synthetic problem",
		Long: "Run an anytime best-first search on a balanced tree or a lattice graph and\n" +
			"print the best solution. Progress is written to stderr.",
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().String("config", "", "Load a YAML search profile; flags override its values")
	cmd.Flags().String("problem", "tree", "Problem to search: tree | lattice")
	cmd.Flags().Int("branching", 2, "Branching factor of the tree")
	cmd.Flags().Int("depth", 6, "Depth of the tree or lattice")
	cmd.Flags().Int("seed", 0, "Seed for lattice edge weights")
	cmd.Flags().String("evaluator", "", "Node evaluator: depth | index (tree), cost (lattice)")
	cmd.Flags().Duration("eval-delay", 0, "Upper bound of a random delay added to every evaluation")
	cmd.Flags().Int("workers", 0, "Concurrent node builders (0 builds inline)")
	cmd.Flags().String("policy", "none", "Parent discarding: none | open | all")
	cmd.Flags().Duration("timeout", 0, "Overall search timeout (0 = none)")
	cmd.Flags().Duration("node-timeout", 0, "Timeout of a single node evaluation (0 = none)")
	cmd.Flags().String("format", "text", "Result format: text | json")
	cmd.Flags().String("store", "", "Persist events to this SQLite database")
	cmd.Flags().String("otlp-endpoint", "", "Export traces over OTLP/HTTP to host:port")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().String("serve", "", "Stream events over SSE on this address")
	cmd.Flags().String("schedule", "", "Repeat the search on a UTC cron schedule")
	cmd.Flags().Int("max-runs", 0, "Stop a scheduled search after this many runs (0 = until interrupted)")

	return cmd
}

// runEnv is everything a single search run is wired to.
type runEnv struct {
	logger  *slog.Logger
	bus     bus.EventBus
	store   bus.EventStore
	persist *bus.StoreSubscriber
	tel     *telemetry
	printer *bus.ThrottledEmitter
}

// handler fans events out to persistence, telemetry and the progress printer.
func (env *runEnv) handler() search.EventHandler {
	var hs []search.EventHandler
	if env.persist != nil {
		hs = append(hs, env.persist.Handle)
	}
	if env.tel != nil {
		hs = append(hs, env.tel.handlers()...)
	}
	if env.printer != nil {
		hs = append(hs, env.printer.Emit)
	}
	if len(hs) == 0 {
		return nil
	}
	return search.MultiEventHandler(hs...)
}

func runRun(cmd *cobra.Command, _ []string) error {
	profile, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitConfig, "unknown format %q (use text or json)", format)
	}

	logger := commandLogger(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, cleanup, err := setupRunEnv(ctx, cmd, profile, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	once := func(ctx context.Context) error {
		res := runProfile(ctx, env, profile)
		if err := writeResult(cmd.OutOrStdout(), format, res); err != nil {
			return exitError(exitRuntime, "writing result: %v", err)
		}
		return resultError(res, profile.Timeout)
	}

	if profile.Schedule == "" {
		return once(ctx)
	}

	err = runScheduled(ctx, profile.Schedule, profile.MaxRuns, logger, func(ctx context.Context, _ int) error {
		err := once(ctx)
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Code == exitNoSolution {
			logger.Warn("scheduled search found no solution")
			return nil
		}
		return err
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return exitError(exitConfig, "%v", err)
	}
	return nil
}

// setupRunEnv opens the store, the telemetry pipeline and the event server
// requested by the profile. cleanup releases them in reverse order.
func setupRunEnv(ctx context.Context, cmd *cobra.Command, p Profile, logger *slog.Logger) (*runEnv, func(), error) {
	env := &runEnv{logger: logger}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if p.Store != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: p.Store, Logger: logger})
		if err != nil {
			return nil, nil, exitError(exitRuntime, "opening event store: %v", err)
		}
		env.store = store
		env.persist = bus.NewStoreSubscriber(store, logger)
		closers = append(closers, func() { _ = store.Close() })
	}

	tel, err := setupTelemetry(ctx, p.OTLPEndpoint, p.MetricsAddr != "")
	if err != nil {
		cleanup()
		return nil, nil, exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	env.tel = tel
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	})

	if p.Serve != "" {
		eb := bus.NewMemBus(bus.MemBusConfig{})
		if env.store == nil {
			mem := bus.NewMemEventStore()
			env.store = mem
			env.persist = bus.NewStoreSubscriber(mem, logger)
		}
		env.bus = eb
		srv, err := startEventServer(p.Serve, env.store, eb, tel.metricsHandler, cmd.ErrOrStderr(), logger)
		if err != nil {
			cleanup()
			return nil, nil, exitError(exitRuntime, "%v", err)
		}
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			_ = eb.Close()
		})
	}

	if p.MetricsAddr != "" && p.MetricsAddr != p.Serve {
		srv, err := startEventServer(p.MetricsAddr, nil, nil, tel.metricsHandler, cmd.ErrOrStderr(), logger)
		if err != nil {
			cleanup()
			return nil, nil, exitError(exitRuntime, "%v", err)
		}
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if !isQuiet(cmd) {
		printer := newProgressPrinter(cmd.ErrOrStderr())
		env.printer = bus.NewThrottledEmitter(printer.emit, bus.ThrottleConfig{CoalesceInterval: 250 * time.Millisecond})
		closers = append(closers, env.printer.Close)
	}

	return env, cleanup, nil
}

// searchResult is the outcome of one search run.
type searchResult struct {
	RunID     string        `json:"run_id"`
	Found     bool          `json:"found"`
	Score     float64       `json:"score,omitempty"`
	Path      []string      `json:"path,omitempty"`
	Solutions int           `json:"solutions"`
	Created   int64         `json:"created"`
	Expanded  int64         `json:"expanded"`
	Pruned    int64         `json:"pruned"`
	TimedOut  int64         `json:"timed_out"`
	Discarded int64         `json:"discarded"`
	Reopened  int64         `json:"reopened"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Error     string        `json:"error,omitempty"`

	err error
}

// runProfile builds the problem named by the profile and searches it.
func runProfile(ctx context.Context, env *runEnv, p Profile) searchResult {
	switch p.Problem {
	case "lattice":
		g := problems.Lattice(p.Depth, p.Seed)
		eval := withDelay(g.CostEvaluator(), p.EvalDelay)
		if env.tel != nil {
			eval = bfotel.ObserveEvaluator(eval, env.tel.observer)
		}
		return executeSearch(ctx, g.Problem(eval), searchOptions[problems.Cell, float64](env, p))
	default:
		tree := problems.BalancedTree{Branching: p.Branching, Depth: p.Depth}
		eval := problems.DepthScore()
		if p.Evaluator == "index" {
			eval = problems.IndexScore()
		}
		eval = withDelay(eval, p.EvalDelay)
		if env.tel != nil {
			eval = bfotel.ObserveEvaluator(eval, env.tel.observer)
		}
		return executeSearch(ctx, problems.TreeProblem(tree, eval), searchOptions[problems.TreeNode, int](env, p))
	}
}

func withDelay[N comparable, A any](eval core.Evaluator[N, A, float64], d time.Duration) core.Evaluator[N, A, float64] {
	if d <= 0 {
		return eval
	}
	return problems.Sleeping(eval, d/2, d)
}

func searchOptions[N comparable, A any](env *runEnv, p Profile) search.Options[N, A, float64] {
	policy, _ := search.ParseParentDiscarding(p.Policy)

	opts := search.DefaultOptions[N, A, float64]()
	opts.ParentDiscarding = policy
	opts.Workers = p.Workers
	opts.Timeout = p.Timeout
	opts.NodeTimeout = p.NodeTimeout
	opts.Logger = env.logger
	opts.EventHandler = env.handler()
	if env.bus != nil {
		opts.EventBus = env.bus
	}
	if env.tel != nil {
		opts.EventEmitterDecorator = env.tel.decorator()
	}
	return opts
}

func executeSearch[N comparable, A any](ctx context.Context, p core.Problem[N, A, float64], opts search.Options[N, A, float64]) searchResult {
	e, err := search.New(p, opts)
	if err != nil {
		return searchResult{Error: err.Error(), err: err}
	}
	defer e.Close()

	best, err := e.Run(ctx)
	st := e.Stats()
	res := searchResult{
		RunID:     e.RunID(),
		Solutions: st.Solutions,
		Created:   st.Created,
		Expanded:  st.Expanded,
		Pruned:    st.Pruned,
		TimedOut:  st.TimedOut,
		Discarded: st.Discarded,
		Reopened:  st.Reopened,
		Elapsed:   st.Elapsed,
		err:       err,
	}
	if err != nil {
		res.Error = err.Error()
	}
	if st.Solutions > 0 {
		res.Found = true
		res.Score = best.Score
		for _, n := range best.Path.Nodes() {
			res.Path = append(res.Path, fmt.Sprint(n))
		}
	}
	return res
}

// resultError maps the outcome of a run to the process exit code.
func resultError(res searchResult, timeout time.Duration) error {
	switch {
	case res.err == nil:
		return nil
	case errors.Is(res.err, search.ErrNoSolution):
		return exitError(exitNoSolution, "no solution found")
	case errors.Is(res.err, search.ErrSearchTimeout):
		return exitError(exitTimeout, "search timed out after %s", timeout)
	case errors.Is(res.err, search.ErrSearchCanceled):
		return exitError(exitInterrupted, "search canceled")
	case errors.Is(res.err, core.ErrInvalidProblem):
		return exitError(exitConfig, "%v", res.err)
	default:
		return exitError(exitRuntime, "search failed: %v", res.err)
	}
}

func writeResult(w io.Writer, format string, res searchResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run ID:     %s\n", res.RunID)
	if res.Found {
		fmt.Fprintf(&sb, "Best score: %g\n", res.Score)
		fmt.Fprintf(&sb, "Best path:  %s\n", strings.Join(res.Path, " -> "))
	} else {
		sb.WriteString("Best score: -\n")
	}
	fmt.Fprintf(&sb, "Solutions:  %d\n", res.Solutions)
	fmt.Fprintf(&sb, "Nodes:      %d created, %d expanded, %d pruned, %d timed out, %d discarded, %d reopened\n",
		res.Created, res.Expanded, res.Pruned, res.TimedOut, res.Discarded, res.Reopened)
	fmt.Fprintf(&sb, "Elapsed:    %s\n", res.Elapsed.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(&sb, "Error:      %s\n", res.Error)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func isQuiet(cmd *cobra.Command) bool {
	quiet, _ := cmd.Flags().GetBool("quiet")
	return quiet
}

// commandLogger returns a text logger on stderr honoring --verbose and --quiet.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if isQuiet(cmd) {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
