package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dativo-io/mentor/internal/evidence"
)

// NewTestEvidenceStore creates an evidence store in a temp dir and registers
// t.Cleanup to close it. Uses TestSigningKey.
func NewTestEvidenceStore(t *testing.T) *evidence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := evidence.NewStore(filepath.Join(dir, "evidence.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// NewTestSession creates an active guided-tutor session for TestStudentID
// and TestActivityID.
func NewTestSession(t *testing.T, store *evidence.Store) *evidence.Session {
	t.Helper()
	sess := &evidence.Session{StudentID: TestStudentID, ActivityID: TestActivityID, Mode: "guided-tutor"}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}
