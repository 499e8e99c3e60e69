// Package retrieval implements the unified code/memory search behind
// every hook's context injection (spec.md §4.4): one embedding call per
// query regardless of how many collections are searched, confidence and
// combined-score filtering, and the three injection renderers
// (prompt-submit, post-tool-use, notify). The single-embed-per-query
// optimization is grounded on the teacher's use of
// golang.org/x/sync/errgroup for bounding concurrent work; here the same
// package's singleflight.Group coalesces duplicate concurrent queries
// for the same text instead of recomputing the embedding for each hook.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

// SearchType selects which collections a Search call touches.
type SearchType string

const (
	SearchCode   SearchType = "code"
	SearchMemory SearchType = "memory"
	SearchAll    SearchType = "all"
)

// Confidence is a coarse relevance bucket used by filter_by_confidence.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Relevance score thresholds a hit's cosine similarity must clear to
// count as the given confidence level.
const (
	highRelevance   = 0.80
	mediumRelevance = 0.60
	lowRelevance    = 0.40
)

func relevanceFloor(min Confidence) float64 {
	switch min {
	case ConfidenceHigh:
		return highRelevance
	case ConfidenceMedium:
		return mediumRelevance
	default:
		return lowRelevance
	}
}

// Combined-score thresholds; memories with high importance can pass at
// a slightly lower relevance than filter_by_confidence alone would
// allow, per spec.md §4.4 ("memories with high importance can pass
// with slightly lower relevance").
const (
	highCombined   = 0.70
	mediumCombined = 0.50
)

func combinedFloor(min Confidence) float64 {
	if min == ConfidenceHigh {
		return highCombined
	}
	return mediumCombined
}

// CodeHit is one code-chunk search result.
type CodeHit struct {
	ChunkID   string
	Path      string
	Language  string
	StartLine int
	EndLine   int
	Snippet   string
	Score     float64
}

// MemoryHit is one observation search result with its derived combined
// score attached.
type MemoryHit struct {
	Observation   domain.StoredObservation
	Score         float64
	CombinedScore float64
}

// combinedScore blends retrieval relevance with an observation's
// importance (1-10, normalized to 0-1), weighting relevance higher so a
// barely-related but important memory still ranks behind a strongly
// related one.
func combinedScore(relevance float64, importance int) float64 {
	norm := float64(importance) / 10.0
	if norm > 1 {
		norm = 1
	}
	return relevance*0.7 + norm*0.3
}

// Result is the unified outcome of one Search call.
type Result struct {
	Code   []CodeHit
	Memory []MemoryHit
}

// Engine is the retrieval engine shared by every hook handler.
type Engine struct {
	embedder    embedding.Provider
	codeStore   vectorstore.Store
	memoryStore vectorstore.Store
	group       singleflight.Group
}

// New builds an Engine. memoryStore may be the same collection as
// codeStore in a degraded single-collection deployment, but in the
// standard deployment they are two distinct Qdrant collections.
func New(embedder embedding.Provider, codeStore, memoryStore vectorstore.Store) *Engine {
	return &Engine{embedder: embedder, codeStore: codeStore, memoryStore: memoryStore}
}

// Search embeds query exactly once (coalesced across concurrent callers
// with the same text via singleflight) and searches the collections
// selected by searchType.
func (e *Engine) Search(ctx context.Context, query string, searchType SearchType, limit int) (*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		return &Result{}, nil
	}

	vec, err, _ := e.group.Do(query, func() (any, error) {
		return e.embedder.Embed(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	vector := vec.([]float32)

	result := &Result{}

	if searchType == SearchCode || searchType == SearchAll {
		hits, err := e.codeStore.Search(ctx, vector, limit, nil)
		if err != nil {
			return nil, fmt.Errorf("retrieval: code search: %w", err)
		}
		result.Code = toCodeHits(hits)
	}

	if searchType == SearchMemory || searchType == SearchAll {
		hits, err := e.memoryStore.Search(ctx, vector, limit, nil)
		if err != nil {
			return nil, fmt.Errorf("retrieval: memory search: %w", err)
		}
		result.Memory = toMemoryHits(hits)
	}

	return result, nil
}

func toCodeHits(hits []vectorstore.Result) []CodeHit {
	out := make([]CodeHit, 0, len(hits))
	for _, h := range hits {
		startLine := atoiSafe(h.Metadata["start_line"])
		endLine := atoiSafe(h.Metadata["end_line"])
		out = append(out, CodeHit{
			ChunkID:   h.ID,
			Path:      h.Metadata["path"],
			Language:  h.Metadata["language"],
			StartLine: startLine,
			EndLine:   endLine,
			Snippet:   h.Metadata["snippet"],
			Score:     h.Score,
		})
	}
	return out
}

func toMemoryHits(hits []vectorstore.Result) []MemoryHit {
	out := make([]MemoryHit, 0, len(hits))
	for _, h := range hits {
		importance := atoiSafe(h.Metadata["importance"])
		obs := domain.StoredObservation{
			ID:          h.ID,
			Observation: h.Metadata["observation"],
			MemoryType:  h.Metadata["memory_type"],
			Context:     h.Metadata["context"],
			Importance:  importance,
			FilePath:    h.Metadata["file_path"],
		}
		out = append(out, MemoryHit{
			Observation:   obs,
			Score:         h.Score,
			CombinedScore: combinedScore(h.Score, importance),
		})
	}
	return out
}

func atoiSafe(s string) int {
	n := 0
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// FilterByConfidence keeps only code hits whose relevance score clears
// min's floor.
func FilterByConfidence(hits []CodeHit, min Confidence) []CodeHit {
	floor := relevanceFloor(min)
	out := make([]CodeHit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= floor {
			out = append(out, h)
		}
	}
	return out
}

// FilterByCombinedScore keeps only memory hits whose combined
// (relevance, importance) score clears min's floor.
func FilterByCombinedScore(hits []MemoryHit, min Confidence) []MemoryHit {
	floor := combinedFloor(min)
	out := make([]MemoryHit, 0, len(hits))
	for _, h := range hits {
		if h.CombinedScore >= floor {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

// RenderPromptSubmitContext assembles up to 3 high-confidence code
// chunks and 5 high-combined-score memories into markdown, code first
// (spec.md §4.2.1 step 6).
func RenderPromptSubmitContext(code []CodeHit, memory []MemoryHit) string {
	code = FilterByConfidence(code, ConfidenceHigh)
	if len(code) > 3 {
		code = code[:3]
	}
	memory = FilterByCombinedScore(memory, ConfidenceHigh)
	if len(memory) > 5 {
		memory = memory[:5]
	}
	if len(code) == 0 && len(memory) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(code) > 0 {
		sb.WriteString("## Related code\n\n")
		for _, c := range code {
			fmt.Fprintf(&sb, "- `%s` (lines %d-%d)\n```%s\n%s\n```\n", c.Path, c.StartLine, c.EndLine, c.Language, c.Snippet)
		}
	}
	if len(memory) > 0 {
		sb.WriteString("## Relevant memory\n\n")
		for _, m := range memory {
			fmt.Fprintf(&sb, "- %s\n", renderMemoryLine(m))
		}
	}
	return sb.String()
}

// RenderPostToolUseContext assembles up to 3 medium-combined-score
// memories for a Read/Edit/Write follow-up, flagging gotchas with a
// warning prefix (spec.md §4.2.3 step 7).
func RenderPostToolUseContext(memory []MemoryHit) string {
	memory = FilterByCombinedScore(memory, ConfidenceMedium)
	if len(memory) > 3 {
		memory = memory[:3]
	}
	if len(memory) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant memory\n\n")
	for _, m := range memory {
		sb.WriteString("- ")
		sb.WriteString(renderMemoryLine(m))
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderNotifyContext is precision-first: only strictly high-confidence
// memory hits are rendered, no fallback to lower thresholds (spec.md
// §4.4 "Notify context: precision-first, only high-confidence results").
func RenderNotifyContext(memory []MemoryHit) string {
	memory = FilterByCombinedScore(memory, ConfidenceHigh)
	if len(memory) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range memory {
		sb.WriteString("- ")
		sb.WriteString(renderMemoryLine(m))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderMemoryLine(m MemoryHit) string {
	prefix := ""
	if m.Observation.MemoryType == "gotcha" {
		prefix = "⚠️ "
	}
	if m.Observation.Context != "" {
		return fmt.Sprintf("%s%s (%s)", prefix, m.Observation.Observation, m.Observation.Context)
	}
	return prefix + m.Observation.Observation
}
