package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/bestfirst/bus"
	"github.com/petal-labs/bestfirst/search"
)

// NewReplayCmd creates the "replay" subcommand.
func NewReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [run-id]",
		Short: "Inspect the events of stored searches",
		Long: "Without a run ID, list the runs in the event store. With a run ID, print\n" +
			"its events in sequence order.",
		Args: cobra.MaximumNArgs(1),
		RunE: runReplay,
	}

	cmd.Flags().String("store", "", "SQLite event store written by 'run --store' (required)")
	cmd.Flags().Uint64("after", 0, "Only show events after this sequence number")
	cmd.Flags().Int("limit", 0, "Maximum number of events to show (0 = all)")
	cmd.Flags().Int("node", -1, "Only show the events of this node")
	cmd.Flags().Bool("counts", false, "Show the number of events per kind instead of the events")
	cmd.Flags().String("format", "text", "Output format: text | json")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("store")
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitConfig, "unknown format %q (use text or json)", format)
	}
	if _, err := os.Stat(path); err != nil {
		return exitError(exitFileNotFound, "event store not found: %s", path)
	}

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path, Logger: commandLogger(cmd)})
	if err != nil {
		return exitError(exitRuntime, "opening event store: %v", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		ids, err := store.RunIDs(ctx)
		if err != nil {
			return exitError(exitRuntime, "listing runs: %v", err)
		}
		if format == "json" {
			return writeJSON(out, map[string]any{"runs": ids})
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}
	runID := args[0]

	if counts, _ := cmd.Flags().GetBool("counts"); counts {
		byKind, err := store.KindCounts(ctx, runID)
		if err != nil {
			return exitError(exitRuntime, "counting events: %v", err)
		}
		if len(byKind) == 0 {
			return exitError(exitFileNotFound, "run %s not found", runID)
		}
		if format == "json" {
			return writeJSON(out, byKind)
		}
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, string(k))
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "%-24s %d\n", k, byKind[search.EventKind(k)])
		}
		return nil
	}

	var events []search.Event
	if node, _ := cmd.Flags().GetInt("node"); node >= 0 {
		events, err = store.NodeEvents(ctx, runID, search.NodeID(node))
	} else {
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		events, err = store.List(ctx, runID, after, limit)
	}
	if err != nil {
		return exitError(exitRuntime, "reading events: %v", err)
	}
	if len(events) == 0 {
		if seq, _ := store.LatestSeq(ctx, runID); seq == 0 {
			return exitError(exitFileNotFound, "run %s not found", runID)
		}
	}

	if format == "json" {
		return writeJSON(out, events)
	}
	for _, e := range events {
		fmt.Fprintln(out, formatEvent(e))
	}
	return nil
}

// formatEvent renders one event as a single line.
func formatEvent(e search.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%6d %10s  %-22s", e.Seq, e.Elapsed.Round(time.Microsecond), e.Kind)
	if e.HasNode() {
		fmt.Fprintf(&sb, " #%d", e.NodeID)
		if e.ParentID != search.NoNode {
			fmt.Fprintf(&sb, "<-#%d", e.ParentID)
		}
		if e.Head != "" {
			fmt.Fprintf(&sb, " %s", e.Head)
		}
	}
	if e.Status != "" {
		fmt.Fprintf(&sb, " [%s]", e.Status)
	}
	if len(e.Payload) > 0 {
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, e.Payload[k])
		}
	}
	return sb.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
