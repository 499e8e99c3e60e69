package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

func domainObservation(text, memoryType string) domain.StoredObservation {
	return domain.StoredObservation{Observation: text, MemoryType: memoryType}
}

type fakeEmbedder struct {
	dim   int
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return make([]float32, f.dim), nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Name() string                                   { return "fake" }
func (f *fakeEmbedder) Dimension() int                                 { return f.dim }
func (f *fakeEmbedder) MaxBatchSize() int                              { return 1 }
func (f *fakeEmbedder) IsAvailable() bool                              { return true }
func (f *fakeEmbedder) CheckAvailability(ctx context.Context) error    { return nil }

type fakeStore struct {
	results []vectorstore.Result
}

func (s *fakeStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	return nil
}
func (s *fakeStore) Delete(ctx context.Context, id string) error                 { return nil }
func (s *fakeStore) DeleteByMetadata(ctx context.Context, key, value string) error { return nil }
func (s *fakeStore) Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]vectorstore.Result, error) {
	return s.results, nil
}
func (s *fakeStore) Dimension() int                        { return 4 }
func (s *fakeStore) Count(ctx context.Context) (int, error) { return len(s.results), nil }
func (s *fakeStore) Close() error                           { return nil }

func TestSearch_EmbedsOnceForAll(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	codeStore := &fakeStore{results: []vectorstore.Result{
		{ID: "c1", Score: 0.9, Metadata: map[string]string{"path": "a.go", "start_line": "1", "end_line": "5"}},
	}}
	memStore := &fakeStore{results: []vectorstore.Result{
		{ID: "m1", Score: 0.85, Metadata: map[string]string{"observation": "watch for nil", "memory_type": "gotcha", "importance": "8"}},
	}}

	eng := New(embedder, codeStore, memStore)
	res, err := eng.Search(context.Background(), "how does auth work", SearchAll, 10)
	require.NoError(t, err)
	require.Equal(t, 1, embedder.calls)
	require.Len(t, res.Code, 1)
	require.Len(t, res.Memory, 1)
}

func TestFilterByCombinedScore_OrdersDescending(t *testing.T) {
	hits := []MemoryHit{
		{CombinedScore: 0.5},
		{CombinedScore: 0.9},
		{CombinedScore: 0.75},
	}
	out := FilterByCombinedScore(hits, ConfidenceMedium)
	require.Len(t, out, 3)
	require.Equal(t, 0.9, out[0].CombinedScore)
}

func TestRenderPostToolUseContext_FlagsGotchas(t *testing.T) {
	hits := []MemoryHit{{
		Observation:   domainObservation("watch for nil", "gotcha"),
		CombinedScore: 0.8,
	}}
	out := RenderPostToolUseContext(hits)
	require.Contains(t, out, "⚠️")
}

func TestRenderNotifyContext_DropsBelowHighThreshold(t *testing.T) {
	hits := []MemoryHit{{
		Observation:   domainObservation("minor note", "discovery"),
		CombinedScore: 0.55,
	}}
	require.Empty(t, RenderNotifyContext(hits))
}
