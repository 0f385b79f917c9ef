package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/risk"
)

var (
	risksAll  bool
	risksNote string
)

var risksCmd = &cobra.Command{
	Use:   "risks",
	Short: "Review learning-process risks",
}

var risksListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List a session's risks (open only unless --all)",
	Args:  cobra.ExactArgs(1),
	RunE:  risksList,
}

var risksAnalyzeCmd = &cobra.Command{
	Use:   "analyze [session-id]",
	Short: "Run risk analysis for a session now",
	Args:  cobra.ExactArgs(1),
	RunE:  risksAnalyze,
}

var risksResolveCmd = &cobra.Command{
	Use:   "resolve [risk-id]",
	Short: "Mark a risk as resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  risksResolve,
}

func init() {
	risksListCmd.Flags().BoolVar(&risksAll, "all", false, "include resolved risks")
	risksResolveCmd.Flags().StringVar(&risksNote, "note", "", "resolution note")

	risksCmd.AddCommand(risksListCmd, risksAnalyzeCmd, risksResolveCmd)
	rootCmd.AddCommand(risksCmd)
}

func risksList(cmd *cobra.Command, args []string) error {
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
	risks, err := store.ListRisks(ctx, args[0], risksAll)
	if err != nil {
		return fmt.Errorf("listing risks: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), risks)
	}
	renderRisks(cmd.OutOrStdout(), risks)
	return nil
}

func risksAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "risks.analyze")
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

	analysis, err := risk.NewScorer(store, pol.RiskAnalysis).AnalyzeSession(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, analysis)
	}
	fmt.Fprintf(out, "Analysis of %s: %d findings, %d new risks\n\n",
		analysis.SessionID, len(analysis.Findings), len(analysis.Created))
	for _, f := range analysis.Findings {
		fmt.Fprintf(out, "  %-8s | %s/%s | %s\n", f.Severity, f.Dimension, f.Type, f.Description)
	}
	return nil
}

func risksResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.ResolveRisk(ctx, args[0], risksNote)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), r)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Risk %s resolved\n", r.ID)
	return nil
}
