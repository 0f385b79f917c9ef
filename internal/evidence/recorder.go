package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

// DefaultEpisodeIdle closes a sequence after this much inactivity.
const DefaultEpisodeIdle = 30 * time.Minute

// TraceInput is what a caller supplies for one trace. Identity, sequence,
// timestamps and signature are assigned by the Recorder.
type TraceInput struct {
	Level                  TraceLevel
	Kind                   TraceKind
	Content                string
	Context                map[string]any
	CognitiveState         string
	Intent                 string
	DecisionJustification  string
	AlternativesConsidered []string
	AssistanceIntensity    float64
	ParentID               string
	// Strategy is the strategy that produced an ai-response; it drives the
	// sequence's strategy change count.
	Strategy   string
	Dimensions Dimensions
}

// LockRequest asks the Recorder to apply a governance lock in the same
// transaction as the traces.
type LockRequest struct {
	Reason string
	Abort  bool
}

// Interaction is the result of RecordInteraction.
type Interaction struct {
	Inbound  *CognitiveTrace
	Outbound *CognitiveTrace
	Session  *Session
	Sequence *TraceSequence
}

// Recorder appends signed traces and maintains trace sequences.
type Recorder struct {
	store *Store
	decay float64
	idle  time.Duration
}

// NewRecorder creates a Recorder. halfLife is the dependency half-life in
// responses; idle is the inactivity gap that starts a new sequence.
func NewRecorder(store *Store, halfLife float64, idle time.Duration) *Recorder {
	if idle <= 0 {
		idle = DefaultEpisodeIdle
	}
	return &Recorder{store: store, decay: Decay(halfLife), idle: idle}
}

// Store returns the underlying store.
func (r *Recorder) Store() *Store {
	return r.store
}

// RecordInbound appends one learner message trace.
func (r *Recorder) RecordInbound(ctx context.Context, sessionID string, in TraceInput) (*CognitiveTrace, error) {
	in.Kind = KindUserMessage
	if in.Level == "" {
		in.Level = LevelPreprocessed
	}
	res, err := r.record(ctx, "evidence.record_inbound", sessionID, []TraceInput{in}, nil)
	if err != nil {
		return nil, err
	}
	return res.traces[0], nil
}

// RecordOutbound appends one AI response trace, optionally applying a
// governance lock atomically with it.
func (r *Recorder) RecordOutbound(ctx context.Context, sessionID string, out TraceInput, lock *LockRequest) (*CognitiveTrace, error) {
	out.Kind = KindAIResponse
	if out.Level == "" {
		out.Level = LevelModelMediated
	}
	res, err := r.record(ctx, "evidence.record_outbound", sessionID, []TraceInput{out}, lock)
	if err != nil {
		return nil, err
	}
	return res.traces[0], nil
}

// RecordInteraction appends the inbound and outbound traces of one
// interaction in a single transaction. The outbound trace's parent is the
// inbound trace.
func (r *Recorder) RecordInteraction(ctx context.Context, sessionID string, in, out TraceInput, lock *LockRequest) (*Interaction, error) {
	in.Kind = KindUserMessage
	if in.Level == "" {
		in.Level = LevelPreprocessed
	}
	out.Kind = KindAIResponse
	if out.Level == "" {
		out.Level = LevelModelMediated
	}
	res, err := r.record(ctx, "evidence.record_interaction", sessionID, []TraceInput{in, out}, lock)
	if err != nil {
		return nil, err
	}
	return &Interaction{
		Inbound:  res.traces[0],
		Outbound: res.traces[1],
		Session:  res.session,
		Sequence: res.sequence,
	}, nil
}

// RecordEvent appends an externally reported event trace
// (strategy-change, self-correction, code-modification,
// tutor-intervention). The level defaults to raw.
func (r *Recorder) RecordEvent(ctx context.Context, sessionID string, ev TraceInput) (*CognitiveTrace, error) {
	if !ev.Kind.EventKind() {
		return nil, fmt.Errorf("kind %q cannot be recorded as an event: %w", ev.Kind, ErrInvalidTraceRecord)
	}
	if ev.Level == "" {
		ev.Level = LevelRaw
	}
	res, err := r.record(ctx, "evidence.record_event", sessionID, []TraceInput{ev}, nil)
	if err != nil {
		return nil, err
	}
	return res.traces[0], nil
}

func validateInput(in *TraceInput) error {
	if !in.Level.Valid() {
		return fmt.Errorf("level %q: %w", in.Level, ErrInvalidTraceRecord)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("kind %q: %w", in.Kind, ErrInvalidTraceRecord)
	}
	if math.IsNaN(in.AssistanceIntensity) || in.AssistanceIntensity < 0 || in.AssistanceIntensity > 1 {
		return fmt.Errorf("%v: %w", in.AssistanceIntensity, ErrInvalidIntensity)
	}
	return nil
}

type recordResult struct {
	traces   []*CognitiveTrace
	session  *Session
	sequence *TraceSequence
}

func (r *Recorder) record(ctx context.Context, op, sessionID string, inputs []TraceInput, lock *LockRequest) (*recordResult, error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		mentorotel.MentorSessionID.String(sessionID),
		attribute.Int("trace.count", len(inputs)),
	))
	defer span.End()

	for i := range inputs {
		if err := validateInput(&inputs[i]); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	var res *recordResult
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = r.recordTx(ctx, tx, sessionID, inputs, lock)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, t := range res.traces {
		recordTraceMetric(ctx, t)
	}
	if res.sequence != nil {
		span.SetAttributes(attribute.String("sequence.id", res.sequence.ID))
	}
	log.Debug().
		Func(mentorotel.LogTraceFields(ctx)).
		Str("session_id", sessionID).
		Int("traces", len(res.traces)).
		Str("sequence_id", res.sequence.ID).
		Msg("traces_recorded")
	return res, nil
}

func (r *Recorder) recordTx(ctx context.Context, tx *sql.Tx, sessionID string, inputs []TraceInput, lock *LockRequest) (*recordResult, error) {
	sess, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrSessionClosed)
	}

	now := r.store.now()
	seq, err := r.currentSequence(ctx, tx, sessionID, now)
	if err != nil {
		return nil, err
	}

	traces := make([]*CognitiveTrace, 0, len(inputs))
	for i, in := range inputs {
		t := &CognitiveTrace{
			ID:                     "trc_" + uuid.NewString(),
			SessionID:              sess.ID,
			StudentID:              sess.StudentID,
			ActivityID:             sess.ActivityID,
			Level:                  in.Level,
			Kind:                   in.Kind,
			Content:                in.Content,
			Context:                copyContext(in.Context),
			CognitiveState:         in.CognitiveState,
			Intent:                 in.Intent,
			DecisionJustification:  in.DecisionJustification,
			AlternativesConsidered: nonNil(in.AlternativesConsidered),
			AssistanceIntensity:    in.AssistanceIntensity,
			ParentID:               in.ParentID,
			SequenceID:             seq.ID,
			Dimensions:             in.Dimensions,
			CreatedAt:              now,
		}
		if t.ParentID == "" && i > 0 && t.Kind == KindAIResponse {
			t.ParentID = traces[0].ID
		}
		if err := r.store.signer.SignTrace(t); err != nil {
			return nil, err
		}
		if err := insertTrace(ctx, tx, t); err != nil {
			return nil, err
		}
		seq.apply(t, in.Strategy, r.decay)
		traces = append(traces, t)
	}

	sess.TraceCount += len(traces)
	sess.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET trace_count = trace_count + ?, updated_at = ? WHERE id = ?`,
		len(traces), now, sessionID); err != nil {
		return nil, fmt.Errorf("updating session trace count: %w", err)
	}

	if lock != nil && !sess.Locked() {
		sess.Lock = &GovernanceLock{At: now, Reason: lock.Reason}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET lock_at = ?, lock_reason = ? WHERE id = ?`, now, lock.Reason, sessionID); err != nil {
			return nil, fmt.Errorf("applying governance lock: %w", err)
		}
	}
	if lock != nil && lock.Abort {
		sess.Status = StatusAborted
		seq.EndedAt = &now
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ?`, StatusAborted, sessionID); err != nil {
			return nil, fmt.Errorf("aborting session: %w", err)
		}
	}

	if err := updateSequence(ctx, tx, seq); err != nil {
		return nil, err
	}
	return &recordResult{traces: traces, session: sess, sequence: seq}, nil
}

// currentSequence returns the session's open sequence, closing it and
// opening a new one when it has been idle longer than the episode gap.
func (r *Recorder) currentSequence(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) (*TraceSequence, error) {
	seq, err := openSequence(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if seq != nil && now.Sub(seq.LastActivityAt) <= r.idle {
		return seq, nil
	}
	if seq != nil {
		if err := closeOpenSequence(ctx, tx, sessionID, seq.LastActivityAt); err != nil {
			return nil, err
		}
	}
	seq = &TraceSequence{
		ID:             "seq_" + uuid.NewString(),
		SessionID:      sessionID,
		StartedAt:      now,
		LastActivityAt: now,
		TraceIDs:       []string{},
		ReasoningPath:  []string{},
	}
	if err := insertSequence(ctx, tx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// apply folds one appended trace into the sequence aggregates.
func (s *TraceSequence) apply(t *CognitiveTrace, strategy string, d float64) {
	s.TraceIDs = append(s.TraceIDs, t.ID)
	s.LastActivityAt = t.CreatedAt
	switch t.Kind {
	case KindUserMessage:
		if t.CognitiveState != "" {
			s.ReasoningPath = append(s.ReasoningPath, t.CognitiveState)
		}
	case KindAIResponse:
		s.observe(t.AssistanceIntensity, d)
		if strategy != "" {
			if s.LastStrategy != "" && s.LastStrategy != strategy {
				s.StrategyChanges++
			}
			s.LastStrategy = strategy
		}
	}
}

// Reconciliation reports a sequence rebuilt from its traces.
type Reconciliation struct {
	Sequence      *TraceSequence
	PreviousScore float64
	Drift         float64
}

// ReconcileSequence recomputes a sequence's aggregates from its stored
// traces and persists them. Drift is the absolute difference between the
// stored and recomputed dependency score.
func (r *Recorder) ReconcileSequence(ctx context.Context, sequenceID string) (*Reconciliation, error) {
	ctx, span := tracer.Start(ctx, "evidence.reconcile_sequence", trace.WithAttributes(attribute.String("sequence.id", sequenceID)))
	defer span.End()

	var rec *Reconciliation
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := getSequence(ctx, tx, sequenceID)
		if err != nil {
			return err
		}
		traces, err := queryTraces(ctx, tx,
			`SELECT trace_json FROM cognitive_traces WHERE sequence_id = ? ORDER BY rowid ASC`, sequenceID)
		if err != nil {
			return err
		}

		rebuilt := &TraceSequence{
			ID:             seq.ID,
			SessionID:      seq.SessionID,
			StartedAt:      seq.StartedAt,
			EndedAt:        seq.EndedAt,
			LastActivityAt: seq.LastActivityAt,
			TraceIDs:       []string{},
			ReasoningPath:  []string{},
		}
		for i := range traces {
			t := &traces[i]
			var strategy string
			if ro, ok := PayloadAs[ReasoningOutbound](t.Dimensions.Reasoning); ok {
				strategy = ro.Strategy
			}
			rebuilt.apply(t, strategy, r.decay)
		}
		if len(traces) == 0 {
			rebuilt.LastActivityAt = seq.LastActivityAt
		}
		if err := updateSequence(ctx, tx, rebuilt); err != nil {
			return err
		}
		rec = &Reconciliation{
			Sequence:      rebuilt,
			PreviousScore: seq.DependencyScore,
			Drift:         math.Abs(seq.DependencyScore - rebuilt.DependencyScore),
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Float64("sequence.drift", rec.Drift))
	return rec, nil
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	traceMetricsOnce sync.Once
	traceCounter     metric.Int64Counter
)

func recordTraceMetric(ctx context.Context, t *CognitiveTrace) {
	traceMetricsOnce.Do(func() {
		meter := mentorotel.Meter("github.com/dativo-io/mentor/internal/evidence")
		traceCounter, _ = meter.Int64Counter("mentor.traces.recorded",
			metric.WithDescription("Cognitive traces appended"))
	})
	if traceCounter == nil {
		return
	}
	traceCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(t.Kind)),
		attribute.String("level", string(t.Level)),
	))
}
