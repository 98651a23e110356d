package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrdadan/atlasprobe/internal/history"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or prune recorded runs",
		Long: `History lists the most recent runs recorded by run and serve.

Examples:
  atlasprobe history --limit 5
  atlasprobe history --json
  atlasprobe history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	f := cmd.Flags()
	f.Int("limit", 20, "Number of runs to show")
	f.Bool("json", false, "Print entries as JSON")
	f.Duration("prune", 0, "Delete runs older than this instead of listing")
	f.String("history-dir", "", "History database directory (default: XDG data dir)")

	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryDir)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	prune, _ := cmd.Flags().GetDuration("prune")

	return showHistory(cmd.Context(), store, cmd.OutOrStdout(), limit, asJSON, prune)
}

func showHistory(ctx context.Context, store *history.Store, out io.Writer, limit int, asJSON bool, prune time.Duration) error {
	if prune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-prune))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pruned %d runs older than %s\n", n, prune)
		return nil
	}

	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSCENARIO\tRESULT\tSTARTED\tDURATION\tSCREENSHOT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.RunID,
			e.Scenario,
			statusLabel(e.Passed),
			e.StartedAt.Local().Format(time.DateTime),
			e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond),
			e.Screenshot,
		)
	}
	return tw.Flush()
}
