package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var askContext []string

var askCmd = &cobra.Command{
	Use:   "ask [session-id] [prompt]",
	Short: "Send one learner prompt through the pipeline",
	Long: `Runs a single interaction from the terminal: validation, sanitisation,
classification, governance, strategy selection and generation. Both traces
are recorded and background risk analysis completes before the command exits.`,
	Args: cobra.ExactArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringArrayVar(&askContext, "context", nil, "context entry key=value (repeatable)")
	rootCmd.AddCommand(askCmd)
}

// parseContext turns key=value pairs into an interaction context map.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --context %q (want key=value)", p)
		}
		m[k] = v
	}
	return m, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctxMap, err := parseContext(askContext)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ask")
	defer span.End()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	res, err := a.orchestrator.ProcessInteraction(ctx, args[0], args[1], ctxMap)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	renderInteraction(cmd.OutOrStdout(), res)
	return nil
}
