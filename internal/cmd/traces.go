package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/evidence"
)

var (
	tracesLevel    string
	tracesKind     string
	tracesState    string
	tracesSequence string
	tracesLimit    int
	tracesOffset   int
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Query and verify cognitive traces",
}

var tracesListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List a session's traces in recording order",
	Args:  cobra.ExactArgs(1),
	RunE:  tracesList,
}

var tracesShowCmd = &cobra.Command{
	Use:   "show [trace-id]",
	Short: "Show one trace with its dimension blocks",
	Args:  cobra.ExactArgs(1),
	RunE:  tracesShow,
}

var tracesVerifyCmd = &cobra.Command{
	Use:   "verify [trace-id]",
	Short: "Verify HMAC signature of a trace",
	Args:  cobra.ExactArgs(1),
	RunE:  tracesVerify,
}

func init() {
	tracesListCmd.Flags().StringVar(&tracesLevel, "level", "", "filter by level (raw, preprocessed, model-mediated, synthesized)")
	tracesListCmd.Flags().StringVar(&tracesKind, "kind", "", "filter by kind")
	tracesListCmd.Flags().StringVar(&tracesState, "state", "", "filter by cognitive state")
	tracesListCmd.Flags().StringVar(&tracesSequence, "sequence", "", "filter by sequence id")
	tracesListCmd.Flags().IntVar(&tracesLimit, "limit", 50, "maximum traces to show")
	tracesListCmd.Flags().IntVar(&tracesOffset, "offset", 0, "traces to skip")

	tracesCmd.AddCommand(tracesListCmd, tracesShowCmd, tracesVerifyCmd)
	rootCmd.AddCommand(tracesCmd)
}

func tracesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	f := evidence.TraceFilter{
		Level:      evidence.TraceLevel(tracesLevel),
		Kind:       evidence.TraceKind(tracesKind),
		State:      tracesState,
		SequenceID: tracesSequence,
		Limit:      tracesLimit,
		Offset:     tracesOffset,
	}
	if f.Level != "" && !f.Level.Valid() {
		return fmt.Errorf("unknown trace level %q", tracesLevel)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return fmt.Errorf("unknown trace kind %q", tracesKind)
	}

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetSession(ctx, args[0]); err != nil {
		return err
	}
	traces, err := store.ListTraces(ctx, args[0], f)
	if err != nil {
		return fmt.Errorf("querying traces: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, traces)
	}
	if len(traces) == 0 {
		fmt.Fprintln(out, "No traces found.")
		return nil
	}
	renderTraceList(out, traces)
	return nil
}

func tracesShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.GetTrace(ctx, args[0])
	if err != nil {
		return err
	}
	return renderTrace(cmd.OutOrStdout(), t)
}

func tracesVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	traceID := args[0]
	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	valid, err := store.VerifyTrace(ctx, traceID)
	if err != nil {
		return fmt.Errorf("verifying trace: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), traceID, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", traceID)
	}
	return nil
}
