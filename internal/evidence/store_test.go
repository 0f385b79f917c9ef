package evidence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "evidence.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(t *testing.T, store *Store) *Session {
	t.Helper()
	sess := &Session{StudentID: "student-001", ActivityID: "activity-loops-01", Mode: "guided-tutor"}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func TestNewStore_RejectsShortKey(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "evidence.db"), "short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key")
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store)
	assert.Len(t, sess.ID, 36)
	assert.Equal(t, StatusActive, sess.Status)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.StudentID, got.StudentID)
	assert.Equal(t, "guided-tutor", got.Mode)
	assert.Equal(t, 0, got.TraceCount)
	assert.Nil(t, got.Lock)
	assert.False(t, got.Locked())

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessions_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, student := range []string{"a", "a", "b"} {
		require.NoError(t, store.CreateSession(ctx, &Session{StudentID: student, ActivityID: "act", Mode: "free-practice"}))
	}

	all, err := store.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := store.ListSessions(ctx, SessionFilter{StudentID: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	page, err := store.ListSessions(ctx, SessionFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSetSessionStatus_Transitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, store)

	got, err := store.SetSessionStatus(ctx, sess.ID, StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	got, err = store.SetSessionStatus(ctx, sess.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	_, err = store.SetSessionStatus(ctx, sess.ID, StatusAborted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = store.SetSessionStatus(ctx, sess.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = store.SetSessionStatus(ctx, sess.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.SetSessionStatus(ctx, "missing", StatusPaused)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetSessionStatus_CompletedClosesSequence(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	_, err := rec.RecordInbound(ctx, sess.ID, TraceInput{Content: "hola", CognitiveState: "exploration"})
	require.NoError(t, err)

	_, err = store.SetSessionStatus(ctx, sess.ID, StatusCompleted)
	require.NoError(t, err)

	open, err := store.OpenSequence(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	seqs, err := store.ListSequences(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.True(t, seqs[0].Closed())
}

func TestUnlockSession(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, 5, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, store)

	_, err := rec.RecordOutbound(ctx, sess.ID, TraceInput{Content: "pensemos", AssistanceIntensity: 0.2},
		&LockRequest{Reason: "persistent delegation"})
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, got.Locked())
	assert.Equal(t, "persistent delegation", got.Lock.Reason)
	assert.Equal(t, StatusActive, got.Status)

	got, err = store.UnlockSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked())

	got, err = store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Lock)
}

func TestSessionsUpdatedSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	old := newTestSession(t, store)
	store.now = func() time.Time { return base.Add(time.Hour) }
	recent := newTestSession(t, store)
	done := newTestSession(t, store)
	_, err := store.SetSessionStatus(ctx, done.ID, StatusCompleted)
	require.NoError(t, err)

	ids, err := store.SessionsUpdatedSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{recent.ID}, ids)
	assert.NotContains(t, ids, old.ID)
}

func TestCreateRisk_IdempotentPerType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, store)

	risk := &Risk{
		SessionID:   sess.ID,
		Dimension:   DimensionCognitive,
		Type:        RiskCognitiveDelegation,
		Severity:    SeverityHigh,
		Description: "repeated delegation",
		TraceIDs:    []string{"trc_1"},
	}
	created, err := store.CreateRisk(ctx, risk)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &Risk{SessionID: sess.ID, Dimension: DimensionCognitive, Type: RiskCognitiveDelegation,
		Severity: SeverityCritical, Description: "again"}
	created, err = store.CreateRisk(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	open, err := store.OpenRisks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, SeverityHigh, open[0].Severity)
	assert.Equal(t, []string{"trc_1"}, open[0].TraceIDs)

	resolved, err := store.ResolveRisk(ctx, risk.ID, "talked with the learner")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.ResolveRisk(ctx, risk.ID, "twice")
	assert.ErrorIs(t, err, ErrRiskResolved)
	_, err = store.ResolveRisk(ctx, "rsk_missing", "")
	assert.ErrorIs(t, err, ErrRiskNotFound)

	// Resolving frees the slot for a new open risk of the same type.
	created, err = store.CreateRisk(ctx, dup)
	require.NoError(t, err)
	assert.True(t, created)

	all, err := store.ListRisks(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateRisk_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, store)

	_, err := store.CreateRisk(ctx, &Risk{SessionID: sess.ID, Dimension: DimensionEthical,
		Type: RiskCognitiveDelegation, Severity: SeverityLow})
	assert.Error(t, err)

	_, err = store.CreateRisk(ctx, &Risk{SessionID: sess.ID, Dimension: DimensionEthical,
		Type: RiskPIIExposure, Severity: "extreme"})
	assert.Error(t, err)
}

func TestIsSQLiteLocked(t *testing.T) {
	assert.False(t, isSQLiteLocked(nil))
	assert.False(t, isSQLiteLocked(assert.AnError))
	assert.True(t, isSQLiteLocked(errString("database is locked")))
	assert.True(t, isSQLiteLocked(errString("SQLITE_BUSY: busy")))
}

type errString string

func (e errString) Error() string { return string(e) }
