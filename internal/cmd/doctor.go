package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/doctor"
)

var doctorSkipUpstream bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, signing key, trace store, providers)",
	Long: `Verifies the data directory is writable, the governance policy compiles,
the trace store opens and at least one generation provider is configured.
Provider endpoints are probed unless --skip-upstream is set.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSkipUpstream, "skip-upstream", false, "skip provider connectivity checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	report := doctor.Run(ctx, doctor.Options{SkipUpstream: doctorSkipUpstream})
	out := cmd.OutOrStdout()

	if jsonOutput {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			switch c.Status {
			case "warn":
				mark = "⚠"
			case "fail":
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %-20s %s\n", mark, c.Name, c.Message)
			if c.Fix != "" && c.Status != "pass" {
				fmt.Fprintf(out, "  fix: %s\n", c.Fix)
			}
		}
		fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n",
			report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
	}

	if report.Status == "fail" {
		return fmt.Errorf("doctor checks failed")
	}
	return nil
}
