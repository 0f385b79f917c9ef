package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/strategy"
)

var (
	sessionStudent  string
	sessionActivity string
	sessionMode     string
	sessionStatus   string
	sessionLimit    int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and manage learning sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session for one student and activity",
	RunE:  sessionCreate,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE:  sessionList,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status [session-id] [active|paused|completed]",
	Short: "Change a session's status",
	Args:  cobra.ExactArgs(2),
	RunE:  sessionSetStatus,
}

var sessionUnlockCmd = &cobra.Command{
	Use:   "unlock [session-id]",
	Short: "Release a session's governance lock",
	Long:  "Clears the sticky red state so the semaphore is evaluated from recent history again.",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionUnlock,
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionStudent, "student", "", "student identifier (required)")
	sessionCreateCmd.Flags().StringVar(&sessionActivity, "activity", "", "activity identifier (required)")
	sessionCreateCmd.Flags().StringVar(&sessionMode, "mode", string(strategy.ModeGuidedTutor), "session mode (guided-tutor, role-simulation, process-evaluation, free-practice)")
	_ = sessionCreateCmd.MarkFlagRequired("student")
	_ = sessionCreateCmd.MarkFlagRequired("activity")

	sessionListCmd.Flags().StringVar(&sessionStudent, "student", "", "filter by student")
	sessionListCmd.Flags().StringVar(&sessionActivity, "activity", "", "filter by activity")
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "filter by status")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "maximum sessions to show")

	sessionCmd.AddCommand(sessionCreateCmd, sessionShowCmd, sessionListCmd, sessionStatusCmd, sessionUnlockCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()

	mode, err := strategy.ParseMode(sessionMode)
	if err != nil {
		return err
	}
	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess := &evidence.Session{StudentID: sessionStudent, ActivityID: sessionActivity, Mode: string(mode)}
	if err := store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return printSession(cmd, sess)
}

func sessionShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	return printSession(cmd, sess)
}

func sessionList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	f := evidence.SessionFilter{StudentID: sessionStudent, ActivityID: sessionActivity, Limit: sessionLimit}
	if sessionStatus != "" {
		st, err := evidence.ParseSessionStatus(sessionStatus)
		if err != nil {
			return err
		}
		f.Status = st
	}

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, f)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	renderSessionList(out, sessions)
	return nil
}

func sessionSetStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	status, err := evidence.ParseSessionStatus(args[1])
	if err != nil {
		return err
	}
	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.SetSessionStatus(ctx, args[0], status)
	if err != nil {
		return err
	}
	return printSession(cmd, sess)
}

func sessionUnlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.UnlockSession(ctx, args[0])
	if err != nil {
		return err
	}
	return printSession(cmd, sess)
}

func printSession(cmd *cobra.Command, sess *evidence.Session) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), sess)
	}
	renderSession(cmd.OutOrStdout(), sess)
	return nil
}
