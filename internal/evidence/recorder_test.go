package evidence

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func inbound(state string) TraceInput {
	return TraceInput{
		Content:        "¿cómo recorro una lista?",
		Context:        map[string]any{"topic": "bucles"},
		CognitiveState: state,
		Intent:         "exploration",
		Dimensions: Dimensions{
			Semantic:  NewBlock(SchemaSemanticInbound, &SemanticInbound{Runes: 24, PIIRedacted: []string{}}),
			Reasoning: NewBlock(SchemaReasoningInbound, &ReasoningInbound{CognitiveState: state, Intent: "exploration"}),
		},
	}
}

func outbound(strategy string, intensity float64) TraceInput {
	return TraceInput{
		Content:             "¿Qué crees que hace un bucle for?",
		AssistanceIntensity: intensity,
		Strategy:            strategy,
		Dimensions: Dimensions{
			Reasoning: NewBlock(SchemaReasoningOutbound, &ReasoningOutbound{Strategy: strategy, Contract: "ask-guiding-questions"}),
			Ethical:   NewBlock(SchemaEthical, &Ethical{Semaphore: "green", Reasons: []string{}}),
		},
	}
}

func TestRecordInteraction(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	res, err := rec.RecordInteraction(ctx, sess.ID, inbound("exploration"), outbound("tutor.ask-guiding-questions", 0.2), nil)
	require.NoError(t, err)

	assert.Equal(t, KindUserMessage, res.Inbound.Kind)
	assert.Equal(t, LevelPreprocessed, res.Inbound.Level)
	assert.Equal(t, KindAIResponse, res.Outbound.Kind)
	assert.Equal(t, LevelModelMediated, res.Outbound.Level)
	assert.Equal(t, res.Inbound.ID, res.Outbound.ParentID)
	assert.Equal(t, res.Inbound.SequenceID, res.Outbound.SequenceID)
	assert.Equal(t, sess.StudentID, res.Outbound.StudentID)
	assert.Equal(t, 2, res.Session.TraceCount)

	assert.Equal(t, []string{res.Inbound.ID, res.Outbound.ID}, res.Sequence.TraceIDs)
	assert.Equal(t, []string{"exploration"}, res.Sequence.ReasoningPath)
	assert.InDelta(t, 0.2, res.Sequence.DependencyScore, 1e-12)

	got, err := store.GetTrace(ctx, res.Outbound.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Outbound.Signature, got.Signature)
	ro, ok := PayloadAs[ReasoningOutbound](got.Dimensions.Reasoning)
	require.True(t, ok)
	assert.Equal(t, "tutor.ask-guiding-questions", ro.Strategy)

	valid, err := store.VerifyTrace(ctx, res.Inbound.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	loaded, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.TraceCount)
}

func TestRecord_InvalidIntensityWritesNothing(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	for _, v := range []float64{-0.1, 1.2, math.NaN()} {
		_, err := rec.RecordInteraction(ctx, sess.ID, inbound("exploration"), outbound("tutor.explain-concept", v), nil)
		assert.ErrorIs(t, err, ErrInvalidIntensity)
	}

	traces, err := store.ListTraces(ctx, sess.ID, TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, traces)
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TraceCount)
}

func TestRecord_ClosedSession(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)
	_, err := store.SetSessionStatus(ctx, sess.ID, StatusCompleted)
	require.NoError(t, err)

	_, err = rec.RecordInbound(ctx, sess.ID, inbound("exploration"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = rec.RecordInbound(ctx, "missing", inbound("exploration"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordEvent(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	tr, err := rec.RecordEvent(ctx, sess.ID, TraceInput{Kind: KindSelfCorrection, Content: "cambié el índice"})
	require.NoError(t, err)
	assert.Equal(t, LevelRaw, tr.Level)
	assert.NotNil(t, tr.Context)
	assert.NotNil(t, tr.AlternativesConsidered)

	_, err = rec.RecordEvent(ctx, sess.ID, TraceInput{Kind: KindAIResponse, Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidTraceRecord)

	_, err = rec.RecordEvent(ctx, sess.ID, TraceInput{Kind: KindCodeModification, Level: "cooked"})
	assert.ErrorIs(t, err, ErrInvalidTraceRecord)
}

func TestRecordOutbound_LockAndAbort(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	res, err := rec.RecordInteraction(ctx, sess.ID, inbound("delegation"), outbound("tutor.redirect-to-theory", 0.3),
		&LockRequest{Reason: "red verdict", Abort: true})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Session.Status)
	require.NotNil(t, res.Session.Lock)
	assert.True(t, res.Sequence.Closed())

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)
	assert.True(t, got.Locked())

	_, err = rec.RecordInbound(ctx, sess.ID, inbound("exploration"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSequence_IdleGapOpensNewSequence(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	rec := NewRecorder(store, 5, 30*time.Minute)
	ctx := context.Background()
	sess := newTestSession(t, store)

	first, err := rec.RecordInteraction(ctx, sess.ID, inbound("exploration"), outbound("tutor.ask-guiding-questions", 0.2), nil)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	second, err := rec.RecordInteraction(ctx, sess.ID, inbound("planning"), outbound("tutor.explain-concept", 0.4), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Sequence.ID, second.Sequence.ID)
	assert.Equal(t, 1, second.Sequence.StrategyChanges)
	assert.Equal(t, []string{"exploration", "planning"}, second.Sequence.ReasoningPath)

	clock.Advance(31 * time.Minute)
	third, err := rec.RecordInteraction(ctx, sess.ID, inbound("debugging"), outbound("tutor.explain-concept", 0.4), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Sequence.ID, third.Sequence.ID)
	assert.Equal(t, 0, third.Sequence.StrategyChanges)

	closed, err := store.GetSequence(ctx, first.Sequence.ID)
	require.NoError(t, err)
	require.True(t, closed.Closed())
	assert.True(t, closed.EndedAt.Equal(first.Sequence.LastActivityAt.Add(10*time.Minute)))
	assert.Len(t, closed.TraceIDs, 4)

	seqs, err := store.ListSequences(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, seqs, 2)
}

func TestDependencyScore_ClosedForm(t *testing.T) {
	assert.Equal(t, 0.0, DependencyScore(nil, 5))
	assert.InDelta(t, 0.8, DependencyScore([]float64{0.8}, 5), 1e-12)

	// With a half-life of 1, each older value weighs half of the next.
	// (0.0*0.25 + 0.0*0.5 + 1.0*1) / (0.25 + 0.5 + 1) = 1/1.75
	assert.InDelta(t, 1/1.75, DependencyScore([]float64{0, 0, 1}, 1), 1e-12)
	assert.InDelta(t, Decay(DefaultDependencyHalfLife), Decay(0), 1e-12)
}

func TestDependencyScore_NoDriftAfterManyUpdates(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	rng := rand.New(rand.NewSource(7))
	var intensities []float64
	var seqID string
	for i := 0; i < 60; i++ {
		x := math.Round(rng.Float64()*100) / 100
		intensities = append(intensities, x)
		res, err := rec.RecordInteraction(ctx, sess.ID, inbound("implementation"), outbound("practice.graduated-hint", x), nil)
		require.NoError(t, err)
		seqID = res.Sequence.ID
	}

	seq, err := store.GetSequence(ctx, seqID)
	require.NoError(t, err)

	d := Decay(5)
	var num, den float64
	n := len(intensities)
	for i, x := range intensities {
		w := math.Pow(d, float64(n-1-i))
		num += w * x
		den += w
	}
	assert.InDelta(t, num/den, seq.DependencyScore, 1e-9)
	assert.InDelta(t, DependencyScore(intensities, 5), seq.DependencyScore, 1e-9)

	recon, err := rec.ReconcileSequence(ctx, seqID)
	require.NoError(t, err)
	assert.Less(t, recon.Drift, 1e-9)
	assert.Len(t, recon.Sequence.TraceIDs, 2*n)
}

func TestReconcileSequence_RepairsAggregates(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	res, err := rec.RecordInteraction(ctx, sess.ID, inbound("exploration"), outbound("tutor.explain-concept", 0.4), nil)
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE trace_sequences SET dependency_score = 0.9 WHERE id = ?`, res.Sequence.ID)
	require.NoError(t, err)

	recon, err := rec.ReconcileSequence(ctx, res.Sequence.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, recon.Drift, 1e-9)
	assert.InDelta(t, 0.4, recon.Sequence.DependencyScore, 1e-12)

	_, err = rec.ReconcileSequence(ctx, "seq_missing")
	assert.ErrorIs(t, err, ErrSequenceNotFound)
}

func TestRecord_ConcurrentAppendsAreAtomic(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	const workers, perWorker = 6, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := rec.RecordInteraction(ctx, sess.ID, inbound("exploration"), outbound("tutor.ask-guiding-questions", 0.2), nil)
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*workers*perWorker, got.TraceCount)

	seq, err := store.OpenSequence(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, seq)
	assert.Len(t, seq.TraceIDs, 2*workers*perWorker)
}

func TestTraces_AreAppendOnly(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	tr, err := rec.RecordInbound(ctx, sess.ID, inbound("exploration"))
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE cognitive_traces SET intent = 'x' WHERE id = ?`, tr.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM cognitive_traces WHERE id = ?`, tr.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestListTraces_FiltersAndPagination(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	for _, st := range []string{"exploration", "planning", "implementation"} {
		_, err := rec.RecordInteraction(ctx, sess.ID, inbound(st), outbound("tutor.ask-guiding-questions", 0.2), nil)
		require.NoError(t, err)
	}
	_, err := rec.RecordEvent(ctx, sess.ID, TraceInput{Kind: KindCodeModification, Content: "editó main.py"})
	require.NoError(t, err)

	all, err := store.ListTraces(ctx, sess.ID, TraceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 7)
	assert.Equal(t, KindCodeModification, all[6].Kind)

	users, err := store.ListTraces(ctx, sess.ID, TraceFilter{Kind: KindUserMessage})
	require.NoError(t, err)
	assert.Len(t, users, 3)

	planning, err := store.ListTraces(ctx, sess.ID, TraceFilter{State: "planning"})
	require.NoError(t, err)
	require.Len(t, planning, 1)
	assert.Equal(t, "planning", planning[0].CognitiveState)

	raw, err := store.ListTraces(ctx, sess.ID, TraceFilter{Level: LevelRaw})
	require.NoError(t, err)
	assert.Len(t, raw, 1)

	page, err := store.ListTraces(ctx, sess.ID, TraceFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)

	tail, err := store.ListTraces(ctx, sess.ID, TraceFilter{Offset: 5})
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	states, err := store.RecentStates(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "implementation"}, states)

	intensities, err := store.RecentIntensities(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.2, 0.2}, intensities)
}
