package activitystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "activities.db")
	s, err := Open(path, "test-machine")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureSession_CreatesThenReactivates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, created, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "/tmp/t.jsonl")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.SessionActive, sess.Status)

	require.NoError(t, s.CloseSession(ctx, "sess-1"))

	sess2, created2, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "/tmp/t.jsonl")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, domain.SessionActive, sess2.Status)
}

func TestCreateBatch_MonotonePromptNumberAndDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)

	b1, err := s.CreateBatch(ctx, "sess-1", "first prompt", domain.SourceUser)
	require.NoError(t, err)
	require.Equal(t, 1, b1.PromptNumber)

	require.NoError(t, s.CloseBatch(ctx, b1.ID, "done"))

	b2, err := s.CreateBatch(ctx, "sess-1", "second prompt", domain.SourceUser)
	require.NoError(t, err)
	require.Equal(t, 2, b2.PromptNumber)

	// dedup key: a batch's content hash is derived from
	// (session_id, prompt_number).
	require.Equal(t, promptBatchHash("sess-1", 1), b1.ContentHash)
}

func TestInsertActivity_DedupByHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)

	a := &domain.Activity{SessionID: "sess-1", ToolName: "Read", Success: true}
	require.NoError(t, s.InsertActivity(ctx, a))
	firstHash := a.ContentHash

	// Re-inserting an activity that hashes identically (same session,
	// second, tool name) must not create a second row.
	a2 := &domain.Activity{SessionID: "sess-1", ToolName: "Read", Success: true, Timestamp: a.Timestamp}
	require.NoError(t, s.InsertActivity(ctx, a2))
	require.Equal(t, firstHash, a2.ContentHash)

	acts, err := s.SessionActivities(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
}

func TestInsertObservation_SkipsExistingHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)

	o1 := &domain.StoredObservation{SessionID: "sess-1", Observation: "uses go modules", MemoryType: "discovery"}
	stored1, created1, err := s.InsertObservation(ctx, o1)
	require.NoError(t, err)
	require.True(t, created1)

	o2 := &domain.StoredObservation{SessionID: "sess-1", Observation: "uses go modules", MemoryType: "discovery"}
	stored2, created2, err := s.InsertObservation(ctx, o2)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, stored1.ID, stored2.ID)
}

func TestResolveObservation_AppendsResolutionEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)

	o, _, err := s.InsertObservation(ctx, &domain.StoredObservation{SessionID: "sess-1", Observation: "gotcha", MemoryType: "gotcha"})
	require.NoError(t, err)

	require.NoError(t, s.ResolveObservation(ctx, o.ID, "sess-2"))

	row := s.db.QueryRowContext(ctx, `SELECT status FROM observations WHERE id = ?`, o.ID)
	var status string
	require.NoError(t, row.Scan(&status))
	require.Equal(t, string(domain.ObservationResolved), status)

	countRow := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resolution_events WHERE observation_id = ?`, o.ID)
	var count int
	require.NoError(t, countRow.Scan(&count))
	require.Equal(t, 1, count)

	// re-resolving produces no duplicate resolution_event row (same hash)
	require.NoError(t, s.ResolveObservation(ctx, o.ID, "sess-2"))
	countRow = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resolution_events WHERE observation_id = ?`, o.ID)
	require.NoError(t, countRow.Scan(&count))
	require.Equal(t, 1, count)
}

func TestRecoverOrphanActivities_CreatesContinuationBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)

	a := &domain.Activity{SessionID: "sess-1", ToolName: "Bash", Success: true}
	require.NoError(t, s.InsertActivity(ctx, a))

	batch, orphans, err := s.RecoverOrphanActivities(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "[session continuation]", batch.UserPrompt)

	remaining, err := s.OrphanActivities(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestBackupExportImport_RoundTripPreservesHashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.EnsureSession(ctx, "sess-1", domain.AgentClaude, "/proj", "")
	require.NoError(t, err)
	batch, err := s.CreateBatch(ctx, "sess-1", "prompt one", domain.SourceUser)
	require.NoError(t, err)
	require.NoError(t, s.InsertActivity(ctx, &domain.Activity{SessionID: "sess-1", PromptBatchID: &batch.ID, ToolName: "Read", Success: true}))
	_, _, err = s.InsertObservation(ctx, &domain.StoredObservation{SessionID: "sess-1", PromptBatchID: &batch.ID, Observation: "obs", MemoryType: "discovery"})
	require.NoError(t, err)

	backup, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, backup.Sessions, 1)
	require.Len(t, backup.PromptBatches, 1)
	require.Len(t, backup.Activities, 1)
	require.Len(t, backup.Observations, 1)

	fresh := newTestStore(t)
	require.NoError(t, fresh.Import(ctx, backup))

	freshBackup, err := fresh.Export(ctx)
	require.NoError(t, err)
	require.Len(t, freshBackup.Sessions, 1)
	require.Equal(t, backup.PromptBatches[0].ContentHash, freshBackup.PromptBatches[0].ContentHash)
	require.Equal(t, backup.Activities[0].ContentHash, freshBackup.Activities[0].ContentHash)
	require.Equal(t, backup.Observations[0].ContentHash, freshBackup.Observations[0].ContentHash)

	// re-importing the same backup must not duplicate rows (UPSERT semantics)
	require.NoError(t, fresh.Import(ctx, backup))
	freshBackup2, err := fresh.Export(ctx)
	require.NoError(t, err)
	require.Len(t, freshBackup2.PromptBatches, 1)
	require.Len(t, freshBackup2.Activities, 1)
	require.Len(t, freshBackup2.Observations, 1)
}
