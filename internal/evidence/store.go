// Package evidence is the system of record: sessions, the append-only
// HMAC-signed cognitive traces, trace sequences and risks, persisted in
// SQLite. Every cross-call decision of the pipeline is reconstructed from
// what this package stores.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/evidence")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	activity_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	trace_count INTEGER NOT NULL DEFAULT 0,
	lock_at TIMESTAMP,
	lock_reason TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions(student_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS cognitive_traces (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	sequence_id TEXT NOT NULL,
	level TEXT NOT NULL,
	kind TEXT NOT NULL,
	cognitive_state TEXT,
	intent TEXT,
	assistance_intensity REAL NOT NULL CHECK (assistance_intensity >= 0 AND assistance_intensity <= 1),
	parent_id TEXT,
	created_at TIMESTAMP NOT NULL,
	trace_json TEXT NOT NULL,
	signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_session ON cognitive_traces(session_id);
CREATE INDEX IF NOT EXISTS idx_traces_sequence ON cognitive_traces(sequence_id);

CREATE TRIGGER IF NOT EXISTS cognitive_traces_no_update
BEFORE UPDATE ON cognitive_traces
BEGIN SELECT RAISE(ABORT, 'cognitive traces are append-only'); END;

CREATE TRIGGER IF NOT EXISTS cognitive_traces_no_delete
BEFORE DELETE ON cognitive_traces
BEGIN SELECT RAISE(ABORT, 'cognitive traces are append-only'); END;

CREATE TABLE IF NOT EXISTS trace_sequences (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	last_activity_at TIMESTAMP NOT NULL,
	trace_ids TEXT NOT NULL DEFAULT '[]',
	reasoning_path TEXT NOT NULL DEFAULT '[]',
	strategy_changes INTEGER NOT NULL DEFAULT 0,
	last_strategy TEXT NOT NULL DEFAULT '',
	dependency_score REAL NOT NULL DEFAULT 0,
	weighted_sum REAL NOT NULL DEFAULT 0,
	weight_sum REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sequences_session ON trace_sequences(session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sequences_open ON trace_sequences(session_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS risks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	dimension TEXT NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	trace_ids TEXT NOT NULL DEFAULT '[]',
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_at TIMESTAMP,
	resolution_note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risks_session ON risks(session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_risks_open ON risks(session_id, type) WHERE resolved = 0;
`

// Store persists sessions, traces, sequences and risks in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
	now    func() time.Time
}

// NewStore opens (creating if needed) the database at dbPath. signingKey
// signs every trace.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}

	return &Store{
		db:     db,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Signer returns the trace signer.
func (s *Store) Signer() *Signer {
	return s.signer
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction, retrying the whole transaction while
// SQLite reports the database busy or locked.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil || !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// --- sessions ---

const sessionColumns = `id, student_id, activity_id, mode, status, trace_count, lock_at, lock_reason, created_at, updated_at`

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var lockAt sql.NullTime
	var lockReason sql.NullString
	err := row.Scan(&sess.ID, &sess.StudentID, &sess.ActivityID, &sess.Mode, &sess.Status,
		&sess.TraceCount, &lockAt, &lockReason, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lockAt.Valid {
		sess.Lock = &GovernanceLock{At: lockAt.Time.UTC(), Reason: lockReason.String}
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

// CreateSession persists a new active session. An empty ID gets a fresh
// UUIDv4.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	ctx, span := tracer.Start(ctx, "evidence.create_session")
	defer span.End()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	sess.TraceCount = 0
	span.SetAttributes(mentorotel.MentorSessionID.String(sess.ID), mentorotel.MentorSessionMode.String(sess.Mode))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, student_id, activity_id, mode, status, trace_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			sess.ID, sess.StudentID, sess.ActivityID, sess.Mode, sess.Status, now, now)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		return nil
	})
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSession(ctx context.Context, q queryer, id string) (*Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	StudentID  string
	ActivityID string
	Status     SessionStatus
	Limit      int
	Offset     int
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, f.StudentID)
	}
	if f.ActivityID != "" {
		query += ` AND activity_id = ?`
		args = append(args, f.ActivityID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}
	return query, args
}

func validTransition(from, to SessionStatus) bool {
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted
	case StatusPaused:
		return to == StatusActive || to == StatusCompleted
	}
	return false
}

// SetSessionStatus applies a caller-driven status transition
// (active <-> paused, -> completed). Completing a session closes its open
// sequence.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status SessionStatus) (*Session, error) {
	ctx, span := tracer.Start(ctx, "evidence.set_session_status",
		trace.WithAttributes(mentorotel.MentorSessionID.String(id), attribute.String("status", string(status))))
	defer span.End()

	var updated *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status == status {
			updated = sess
			return nil
		}
		if !validTransition(sess.Status, status) {
			return fmt.Errorf("%s -> %s: %w", sess.Status, status, ErrInvalidTransition)
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now, id); err != nil {
			return fmt.Errorf("updating session status: %w", err)
		}
		if status.Terminal() {
			if err := closeOpenSequence(ctx, tx, id, now); err != nil {
				return err
			}
		}
		sess.Status, sess.UpdatedAt = status, now
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UnlockSession clears a governance lock. It is the only way a lock is
// ever removed.
func (s *Store) UnlockSession(ctx context.Context, id string) (*Session, error) {
	var updated *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Lock == nil {
			updated = sess
			return nil
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET lock_at = NULL, lock_reason = NULL, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("clearing governance lock: %w", err)
		}
		sess.Lock, sess.UpdatedAt = nil, now
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SessionsUpdatedSince returns ids of non-terminal sessions with activity
// at or after since.
func (s *Store) SessionsUpdatedSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status IN ('active', 'paused') AND updated_at >= ? ORDER BY updated_at`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying recent sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- traces ---

func insertTrace(ctx context.Context, tx *sql.Tx, t *CognitiveTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cognitive_traces (id, session_id, sequence_id, level, kind, cognitive_state, intent,
			assistance_intensity, parent_id, created_at, trace_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.SequenceID, t.Level, t.Kind, nullString(t.CognitiveState), nullString(t.Intent),
		t.AssistanceIntensity, nullString(t.ParentID), t.CreatedAt, string(data), t.Signature)
	if err != nil {
		return fmt.Errorf("inserting trace: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func decodeTrace(data string) (*CognitiveTrace, error) {
	var t CognitiveTrace
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decoding trace: %w", err)
	}
	return &t, nil
}

// GetTrace loads a trace by id.
func (s *Store) GetTrace(ctx context.Context, id string) (*CognitiveTrace, error) {
	ctx, span := tracer.Start(ctx, "evidence.get_trace", trace.WithAttributes(attribute.String("trace.id", id)))
	defer span.End()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT trace_json FROM cognitive_traces WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying trace: %w", err)
	}
	return decodeTrace(data)
}

// VerifyTrace checks the HMAC signature of a stored trace.
func (s *Store) VerifyTrace(ctx context.Context, id string) (bool, error) {
	t, err := s.GetTrace(ctx, id)
	if err != nil {
		return false, err
	}
	return s.signer.VerifyTrace(t)
}

// TraceFilter narrows ListTraces. Zero values match everything.
type TraceFilter struct {
	Level      TraceLevel
	Kind       TraceKind
	State      string
	SequenceID string
	Limit      int
	Offset     int
}

// ListTraces returns a session's traces in append order.
func (s *Store) ListTraces(ctx context.Context, sessionID string, f TraceFilter) ([]CognitiveTrace, error) {
	ctx, span := tracer.Start(ctx, "evidence.list_traces", trace.WithAttributes(mentorotel.MentorSessionID.String(sessionID)))
	defer span.End()

	query := `SELECT trace_json FROM cognitive_traces WHERE session_id = ?`
	args := []any{sessionID}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.State != "" {
		query += ` AND cognitive_state = ?`
		args = append(args, f.State)
	}
	if f.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, f.SequenceID)
	}
	query += ` ORDER BY rowid ASC`
	query, args = paginate(query, args, f.Limit, f.Offset)

	traces, err := s.queryTraces(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("trace.count", len(traces)))
	return traces, nil
}

func (s *Store) queryTraces(ctx context.Context, query string, args ...any) ([]CognitiveTrace, error) {
	return queryTraces(ctx, s.db, query, args...)
}

func queryTraces(ctx context.Context, q queryer, query string, args ...any) ([]CognitiveTrace, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var out []CognitiveTrace
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		t, err := decodeTrace(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RecentStates returns up to n cognitive states of the session's most
// recent learner messages, oldest first.
func (s *Store) RecentStates(ctx context.Context, sessionID string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cognitive_state FROM cognitive_traces
		 WHERE session_id = ? AND kind = ? AND cognitive_state IS NOT NULL
		 ORDER BY rowid DESC LIMIT ?`, sessionID, KindUserMessage, n)
	if err != nil {
		return nil, fmt.Errorf("querying recent states: %w", err)
	}
	defer rows.Close()
	var states []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	reverse(states)
	return states, rows.Err()
}

// RecentIntensities returns up to n assistance intensities of the
// session's most recent AI responses, oldest first.
func (s *Store) RecentIntensities(ctx context.Context, sessionID string, n int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assistance_intensity FROM cognitive_traces
		 WHERE session_id = ? AND kind = ?
		 ORDER BY rowid DESC LIMIT ?`, sessionID, KindAIResponse, n)
	if err != nil {
		return nil, fmt.Errorf("querying recent intensities: %w", err)
	}
	defer rows.Close()
	var vals []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	reverse(vals)
	return vals, rows.Err()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// --- sequences ---

const sequenceColumns = `id, session_id, started_at, ended_at, last_activity_at, trace_ids, reasoning_path,
	strategy_changes, last_strategy, dependency_score, weighted_sum, weight_sum`

func scanSequence(row rowScanner) (*TraceSequence, error) {
	var seq TraceSequence
	var endedAt sql.NullTime
	var traceIDs, path string
	err := row.Scan(&seq.ID, &seq.SessionID, &seq.StartedAt, &endedAt, &seq.LastActivityAt, &traceIDs, &path,
		&seq.StrategyChanges, &seq.LastStrategy, &seq.DependencyScore, &seq.WeightedSum, &seq.WeightSum)
	if err != nil {
		return nil, err
	}
	seq.StartedAt = seq.StartedAt.UTC()
	seq.LastActivityAt = seq.LastActivityAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		seq.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(traceIDs), &seq.TraceIDs); err != nil {
		return nil, fmt.Errorf("decoding sequence trace ids: %w", err)
	}
	if err := json.Unmarshal([]byte(path), &seq.ReasoningPath); err != nil {
		return nil, fmt.Errorf("decoding reasoning path: %w", err)
	}
	return &seq, nil
}

// GetSequence loads a sequence by id.
func (s *Store) GetSequence(ctx context.Context, id string) (*TraceSequence, error) {
	return getSequence(ctx, s.db, id)
}

func getSequence(ctx context.Context, q queryer, id string) (*TraceSequence, error) {
	seq, err := scanSequence(q.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM trace_sequences WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sequence %s: %w", id, ErrSequenceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sequence: %w", err)
	}
	return seq, nil
}

// OpenSequence returns the session's open sequence, or nil.
func (s *Store) OpenSequence(ctx context.Context, sessionID string) (*TraceSequence, error) {
	return openSequence(ctx, s.db, sessionID)
}

func openSequence(ctx context.Context, q queryer, sessionID string) (*TraceSequence, error) {
	seq, err := scanSequence(q.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM trace_sequences WHERE session_id = ? AND ended_at IS NULL`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying open sequence: %w", err)
	}
	return seq, nil
}

// ListSequences returns a session's sequences oldest first.
func (s *Store) ListSequences(ctx context.Context, sessionID string) ([]TraceSequence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sequenceColumns+` FROM trace_sequences WHERE session_id = ? ORDER BY started_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying sequences: %w", err)
	}
	defer rows.Close()
	var out []TraceSequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sequence: %w", err)
		}
		out = append(out, *seq)
	}
	return out, rows.Err()
}

func insertSequence(ctx context.Context, tx *sql.Tx, seq *TraceSequence) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO trace_sequences (id, session_id, started_at, last_activity_at, trace_ids, reasoning_path)
		 VALUES (?, ?, ?, ?, '[]', '[]')`,
		seq.ID, seq.SessionID, seq.StartedAt, seq.LastActivityAt)
	if err != nil {
		return fmt.Errorf("inserting sequence: %w", err)
	}
	return nil
}

func updateSequence(ctx context.Context, tx *sql.Tx, seq *TraceSequence) error {
	traceIDs, err := json.Marshal(nonNil(seq.TraceIDs))
	if err != nil {
		return err
	}
	path, err := json.Marshal(nonNil(seq.ReasoningPath))
	if err != nil {
		return err
	}
	var endedAt any
	if seq.EndedAt != nil {
		endedAt = *seq.EndedAt
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trace_sequences SET ended_at = ?, last_activity_at = ?, trace_ids = ?, reasoning_path = ?,
			strategy_changes = ?, last_strategy = ?, dependency_score = ?, weighted_sum = ?, weight_sum = ?
		 WHERE id = ?`,
		endedAt, seq.LastActivityAt, string(traceIDs), string(path),
		seq.StrategyChanges, seq.LastStrategy, seq.DependencyScore, seq.WeightedSum, seq.WeightSum, seq.ID)
	if err != nil {
		return fmt.Errorf("updating sequence: %w", err)
	}
	return nil
}

func closeOpenSequence(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE trace_sequences SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, at, sessionID); err != nil {
		return fmt.Errorf("closing sequence: %w", err)
	}
	return nil
}

// CloseSequence closes the session's open sequence and returns it.
func (s *Store) CloseSequence(ctx context.Context, sessionID string) (*TraceSequence, error) {
	var closed *TraceSequence
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := openSequence(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if seq == nil {
			return fmt.Errorf("no open sequence for session %s: %w", sessionID, ErrSequenceNotFound)
		}
		now := s.now()
		if err := closeOpenSequence(ctx, tx, sessionID, now); err != nil {
			return err
		}
		seq.EndedAt = &now
		closed = seq
		return nil
	})
	return closed, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// --- risks ---

const riskColumns = `id, session_id, dimension, type, severity, description, trace_ids, resolved, resolved_at, resolution_note, created_at`

func scanRisk(row rowScanner) (*Risk, error) {
	var r Risk
	var traceIDs string
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.SessionID, &r.Dimension, &r.Type, &r.Severity, &r.Description,
		&traceIDs, &r.Resolved, &resolvedAt, &r.ResolutionNote, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		r.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(traceIDs), &r.TraceIDs); err != nil {
		return nil, fmt.Errorf("decoding risk trace ids: %w", err)
	}
	return &r, nil
}

// CreateRisk inserts r unless the session already has an unresolved risk
// of the same type. created is false when the insert was skipped.
func (s *Store) CreateRisk(ctx context.Context, r *Risk) (created bool, err error) {
	if !ValidRiskType(r.Dimension, r.Type) {
		return false, fmt.Errorf("risk type %s/%s is not valid", r.Dimension, r.Type)
	}
	if SeverityRank(r.Severity) == 0 {
		return false, fmt.Errorf("risk severity %q is not valid", r.Severity)
	}
	if r.ID == "" {
		r.ID = "rsk_" + uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	traceIDs, err := json.Marshal(nonNil(r.TraceIDs))
	if err != nil {
		return false, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO risks (id, session_id, dimension, type, severity, description, trace_ids, resolved, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
			 ON CONFLICT DO NOTHING`,
			r.ID, r.SessionID, r.Dimension, r.Type, r.Severity, r.Description, string(traceIDs), r.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting risk: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	return created, err
}

// GetRisk loads a risk by id.
func (s *Store) GetRisk(ctx context.Context, id string) (*Risk, error) {
	r, err := scanRisk(s.db.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("risk %s: %w", id, ErrRiskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying risk: %w", err)
	}
	return r, nil
}

// ListRisks returns a session's risks oldest first.
func (s *Store) ListRisks(ctx context.Context, sessionID string, includeResolved bool) ([]Risk, error) {
	query := `SELECT ` + riskColumns + ` FROM risks WHERE session_id = ?`
	if !includeResolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying risks: %w", err)
	}
	defer rows.Close()
	var out []Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning risk: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// OpenRisks returns the session's unresolved risks.
func (s *Store) OpenRisks(ctx context.Context, sessionID string) ([]Risk, error) {
	return s.ListRisks(ctx, sessionID, false)
}

// ResolveRisk marks a risk resolved with an operator note.
func (s *Store) ResolveRisk(ctx context.Context, id, note string) (*Risk, error) {
	var resolved *Risk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRisk(tx.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("risk %s: %w", id, ErrRiskNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying risk: %w", err)
		}
		if r.Resolved {
			return fmt.Errorf("risk %s: %w", id, ErrRiskResolved)
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE risks SET resolved = 1, resolved_at = ?, resolution_note = ? WHERE id = ?`, now, note, id); err != nil {
			return fmt.Errorf("resolving risk: %w", err)
		}
		r.Resolved, r.ResolvedAt, r.ResolutionNote = true, &now, note
		resolved = r
		return nil
	})
	return resolved, err
}
