package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
)

func newBuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build <attempt_id>",
		Short: "Build one attempt in the foreground",
		Long: `Build a queued or failed attempt and print its artifact pointer.

A ready attempt is not rebuilt; create a new attempt through the API instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, closeEnv, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer closeEnv()

			attemptID := args[0]
			if _, err := e.registry.Repository().GetAttempt(ctx, attemptID); err != nil {
				return fmt.Errorf("attempt %s: %w", attemptID, err)
			}
			ptr := e.registry.Orchestrator().Build(ctx, attemptID)
			if ptr == nil {
				return buildFailure(cmd, e.registry.Repository(), attemptID)
			}
			return printJSON(cmd.OutOrStdout(), ptr)
		},
	}
}

// buildFailure explains why Build produced no pointer.
func buildFailure(cmd *cobra.Command, repo corpus.Repository, attemptID string) error {
	a, err := repo.GetAttempt(cmd.Context(), attemptID)
	if err != nil {
		return fmt.Errorf("attempt %s: %w", attemptID, err)
	}
	if a.Error != nil {
		return fmt.Errorf("attempt %s %s: %s", attemptID, a.Status, *a.Error)
	}
	return fmt.Errorf("attempt %s was not built (status %s)", attemptID, a.Status)
}

func newDeleteCorpusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-corpus <corpus_id>",
		Short: "Delete a corpus from every store",
		Long: `Delete a corpus with all of its attempts: vector collections, graph
nodes, key-value entries, source text and database rows.

Exits non-zero when any physical cleanup failed. The database rows are
deleted regardless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeEnv, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeEnv()

			report, err := e.registry.Reaper().DeleteCorpus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any{
				"corpus_id": report.CorpusID,
				"clean":     report.Clean(),
				"attempts":  len(report.Attempts),
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !report.Clean() {
				return fmt.Errorf("corpus %s deleted with cleanup faults", report.CorpusID)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
