package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/orchestrator"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to at most n runes, marking the cut with "…".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func semaphoreMark(s string) string {
	switch s {
	case "green":
		return "● green"
	case "amber":
		return "◐ amber"
	case "red":
		return "○ red"
	}
	return s
}

// renderSession writes a session summary to w (testable).
func renderSession(w io.Writer, s *evidence.Session) {
	fmt.Fprintf(w, "Session %s\n", s.ID)
	fmt.Fprintf(w, "  Student:  %s\n", s.StudentID)
	fmt.Fprintf(w, "  Activity: %s\n", s.ActivityID)
	fmt.Fprintf(w, "  Mode:     %s\n", s.Mode)
	fmt.Fprintf(w, "  Status:   %s\n", s.Status)
	fmt.Fprintf(w, "  Traces:   %d\n", s.TraceCount)
	if s.Locked() {
		fmt.Fprintf(w, "  Lock:     since %s (%s)\n", s.Lock.At.Format(timeLayout), s.Lock.Reason)
	}
	fmt.Fprintf(w, "  Created:  %s\n", s.CreatedAt.Format(timeLayout))
}

func renderSessionList(w io.Writer, sessions []evidence.Session) {
	fmt.Fprintf(w, "Sessions (showing %d):\n\n", len(sessions))
	for i := range sessions {
		s := &sessions[i]
		lock := ""
		if s.Locked() {
			lock = " [LOCKED]"
		}
		fmt.Fprintf(w, "  %s | %s | %s/%s | %s | %d traces%s\n",
			s.ID, s.CreatedAt.Format(timeLayout), s.StudentID, s.ActivityID, s.Status, s.TraceCount, lock)
	}
}

// renderTraceList writes one line per trace to w (testable).
func renderTraceList(w io.Writer, traces []evidence.CognitiveTrace) {
	fmt.Fprintf(w, "Cognitive traces (showing %d):\n\n", len(traces))
	for i := range traces {
		t := &traces[i]
		state := t.CognitiveState
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "  %s | %s | %-18s | %-15s | %-14s | %.2f | %s\n",
			t.ID,
			t.CreatedAt.Format(timeLayout),
			t.Kind,
			t.Level,
			state,
			t.AssistanceIntensity,
			truncate(t.Content, 48),
		)
	}
}

func renderTrace(w io.Writer, t *evidence.CognitiveTrace) error {
	return printJSON(w, t)
}

// renderVerifyResult writes verify outcome to w (testable).
func renderVerifyResult(w io.Writer, traceID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Trace %s: signature VALID (HMAC-SHA256 intact)\n", traceID)
	} else {
		fmt.Fprintf(w, "✗ Trace %s: signature INVALID (possible tampering)\n", traceID)
	}
}

func renderSequences(w io.Writer, seqs []evidence.TraceSequence) {
	fmt.Fprintf(w, "Trace sequences (showing %d):\n\n", len(seqs))
	for i := range seqs {
		s := &seqs[i]
		ended := "open"
		if s.EndedAt != nil {
			ended = s.EndedAt.Format(timeLayout)
		}
		fmt.Fprintf(w, "  %s | %s → %s | %d traces | dependency %.3f | %d strategy changes\n",
			s.ID, s.StartedAt.Format(timeLayout), ended, len(s.TraceIDs), s.DependencyScore, s.StrategyChanges)
		if len(s.ReasoningPath) > 0 {
			fmt.Fprintf(w, "      path: %s\n", strings.Join(s.ReasoningPath, " → "))
		}
	}
}

func renderRisks(w io.Writer, risks []evidence.Risk) {
	if len(risks) == 0 {
		fmt.Fprintln(w, "No risks found.")
		return
	}
	fmt.Fprintf(w, "Risks (showing %d):\n\n", len(risks))
	for i := range risks {
		r := &risks[i]
		status := "open"
		if r.Resolved {
			status = "resolved"
		}
		fmt.Fprintf(w, "  %s | %-8s | %s/%s | %s | %s\n",
			r.ID, r.Severity, r.Dimension, r.Type, status, r.Description)
	}
}

// renderInteraction writes the learner-facing answer followed by the
// governance summary.
func renderInteraction(w io.Writer, res *orchestrator.InteractionResult) {
	fmt.Fprintln(w, res.ResponseText)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  semaphore: %s | strategy: %s | state: %s | intensity: %.2f\n",
		semaphoreMark(res.Semaphore), res.AgentUsed, res.CognitiveStateDetected, res.AssistanceIntensity)
	if res.Blocked {
		fmt.Fprintf(w, "  blocked: %s\n", res.BlockReason)
	}
	if res.Fallback {
		fmt.Fprintln(w, "  (fallback response: no provider answered)")
	}
	if len(res.RiskIDs) > 0 {
		fmt.Fprintf(w, "  open risks: %s\n", strings.Join(res.RiskIDs, ", "))
	}
	fmt.Fprintf(w, "  trace: %s\n", res.TraceID)
}
