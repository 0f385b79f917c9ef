package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/policy"
)

var (
	initForce  bool
	initOutput string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and inspect the governance policy",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy file (default: configured policy_file)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  policyValidate,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy source",
	Args:  cobra.NoArgs,
	RunE:  policyShow,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default governance policy to the working directory",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing policy file")
	initCmd.Flags().StringVar(&initOutput, "output", "mentor.policy.yaml", "policy file to write")

	policyCmd.AddCommand(policyValidateCmd, policyShowCmd)
	rootCmd.AddCommand(policyCmd, initCmd)
}

func policyValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "policy.validate")
	defer span.End()

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.PolicyPath()
	}

	pol, err := policy.LoadPolicy(ctx, path)
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	// Compiling the governance rules catches errors the schema cannot.
	if _, err := policy.NewEngine(ctx, pol); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{"valid": true, "path": path, "version": pol.VersionTag})
	}
	source := path
	if source == "" {
		source = "embedded default"
	}
	fmt.Fprintf(out, "✓ Policy valid: %s (%s)\n", source, pol.VersionTag)
	return nil
}

func policyShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	content := policy.DefaultPolicyYAML()
	if path := cfg.PolicyPath(); path != "" {
		content, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading policy file: %w", err)
		}
	}
	if jsonOutput {
		pol, err := policy.ParsePolicy(content)
		if err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"version": pol.VersionTag, "policy": pol})
	}
	_, err = cmd.OutOrStdout().Write(content)
	return err
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
	}
	if err := os.WriteFile(initOutput, policy.DefaultPolicyYAML(), 0o600); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", initOutput)
	return nil
}
