package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/policy"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and embedded policy information",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "version")
		defer span.End()

		defaultTag := "invalid"
		if pol, err := policy.ParsePolicy(policy.DefaultPolicyYAML()); err == nil {
			defaultTag = pol.VersionTag
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]string{
				"version":        resolvedVersion(),
				"commit":         Commit,
				"built":          BuildDate,
				"go":             runtime.Version(),
				"default_policy": defaultTag,
			})
		}
		fmt.Fprintf(out, "Mentor %s\n", resolvedVersion())
		fmt.Fprintf(out, "Commit:         %s\n", Commit)
		fmt.Fprintf(out, "Built:          %s\n", BuildDate)
		fmt.Fprintf(out, "Go:             %s\n", runtime.Version())
		fmt.Fprintf(out, "Default policy: %s\n", defaultTag)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
