package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Inspect and reconcile trace sequences",
}

var sequencesListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List a session's trace sequences",
	Args:  cobra.ExactArgs(1),
	RunE:  sequencesList,
}

var sequencesReconcileCmd = &cobra.Command{
	Use:   "reconcile [sequence-id]",
	Short: "Recompute a sequence's aggregates from its stored traces",
	Long: `Rebuilds the reasoning path, strategy changes and dependency score of a
sequence from the traces recorded in it, persists the result and reports how
far the stored score had drifted.`,
	Args: cobra.ExactArgs(1),
	RunE: sequencesReconcile,
}

func init() {
	sequencesCmd.AddCommand(sequencesListCmd, sequencesReconcileCmd)
	rootCmd.AddCommand(sequencesCmd)
}

func sequencesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetSession(ctx, args[0]); err != nil {
		return err
	}
	seqs, err := store.ListSequences(ctx, args[0])
	if err != nil {
		return fmt.Errorf("listing sequences: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, seqs)
	}
	if len(seqs) == 0 {
		fmt.Fprintln(out, "No sequences found.")
		return nil
	}
	renderSequences(out, seqs)
	return nil
}

func sequencesReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "sequences.reconcile")
	defer span.End()

	cfg, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()
	pol, err := loadPolicy(ctx, cfg)
	if err != nil {
		return err
	}

	rec, err := newRecorder(store, pol).ReconcileSequence(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"sequence":       rec.Sequence,
			"previous_score": rec.PreviousScore,
			"drift":          rec.Drift,
		})
	}
	fmt.Fprintf(out, "✓ Sequence %s reconciled\n", rec.Sequence.ID)
	fmt.Fprintf(out, "  Traces:           %d\n", len(rec.Sequence.TraceIDs))
	fmt.Fprintf(out, "  Dependency score: %.6f (was %.6f, drift %.2e)\n",
		rec.Sequence.DependencyScore, rec.PreviousScore, rec.Drift)
	fmt.Fprintf(out, "  Strategy changes: %d\n", rec.Sequence.StrategyChanges)
	return nil
}
