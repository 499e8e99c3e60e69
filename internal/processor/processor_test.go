package processor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oak-dev/ci-daemon/internal/activitystore"
	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/llm"
)

type fakeLLM struct {
	classification llm.Classification
	extraction     *llm.ExtractionResult
	available      bool
}

func (f *fakeLLM) Classify(ctx context.Context, userPrompt, responseSummary string) (llm.Classification, error) {
	return f.classification, nil
}
func (f *fakeLLM) Extract(ctx context.Context, a llm.SessionActivity) (*llm.ExtractionResult, error) {
	return f.extraction, nil
}
func (f *fakeLLM) Summarize(ctx context.Context, text string) (string, error) { return "summary", nil }
func (f *fakeLLM) IsAvailable() bool                                          { return f.available }

func newTestStore(t *testing.T) *activitystore.Store {
	t.Helper()
	store, err := activitystore.Open(t.TempDir()+"/test.db", "machine-1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcessBatchNow_ExtractsAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.EnsureSession(ctx, "s1", domain.AgentClaude, "/repo", "")
	require.NoError(t, err)
	batch, err := store.CreateBatch(ctx, "s1", "add a login form", domain.SourceUser)
	require.NoError(t, err)
	require.NoError(t, store.CloseBatch(ctx, batch.ID, ""))

	fl := &fakeLLM{
		classification: llm.ClassImplementation,
		extraction: &llm.ExtractionResult{
			Observations: []llm.Observation{{Type: "decision", Observation: "used bcrypt for hashing", Context: "auth"}},
			Summary:      "implemented login",
		},
		available: true,
	}

	p := New(store, fl, nil, nil, zerolog.Nop())
	require.NoError(t, p.ProcessBatchNow(ctx, batch))

	pending, err := store.PendingBatches(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestProcessBatch_SkipsAgentNotificationUnlessManual(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.EnsureSession(ctx, "s1", domain.AgentClaude, "/repo", "")
	require.NoError(t, err)
	batch, err := store.CreateBatch(ctx, "s1", "notify", domain.SourceAgentNotification)
	require.NoError(t, err)
	require.NoError(t, store.CloseBatch(ctx, batch.ID, ""))

	fl := &fakeLLM{available: true}
	p := New(store, fl, nil, nil, zerolog.Nop())

	require.NoError(t, p.processBatch(ctx, batch, false))
}
