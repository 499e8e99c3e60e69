// Package processor is the background pipeline that promotes completed
// prompt batches into long-term observations (spec.md §4.4): a timer
// ticks, picks up pending batches oldest-first, classifies and extracts
// via internal/llm, dedups and persists via internal/activitystore, and
// schedules embedding via internal/embedding + internal/vectorstore.
// Concurrency bounding follows the teacher's internal/tool/batch.go use
// of golang.org/x/sync/errgroup.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/oak-dev/ci-daemon/internal/activitystore"
	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/llm"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

const (
	defaultTickInterval  = 60 * time.Second
	defaultBatchesPerTick = 10
	defaultMaxConcurrency = 4
	minToolCallsForSummary = 3
	maxSessionSummaryChars = 200
	embeddingPassSize      = 50
)

// Processor owns the background ticker and the per-batch pipeline.
type Processor struct {
	store       *activitystore.Store
	llmClient   llm.Client
	embedder    embedding.Provider
	memoryStore vectorstore.Store
	log         zerolog.Logger

	tickInterval   time.Duration
	batchesPerTick int

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Processor. llmClient and embedder may be nil in a
// degraded deployment; every pipeline step no-ops gracefully when its
// dependency is unavailable rather than failing the batch.
func New(store *activitystore.Store, llmClient llm.Client, embedder embedding.Provider, memoryStore vectorstore.Store, log zerolog.Logger) *Processor {
	return &Processor{
		store:          store,
		llmClient:      llmClient,
		embedder:       embedder,
		memoryStore:    memoryStore,
		log:            log,
		tickInterval:   defaultTickInterval,
		batchesPerTick: defaultBatchesPerTick,
	}
}

// Start launches the background ticker; it dies with ctx, matching the
// daemon's "no explicit stop required" shutdown note (spec.md §4 startup
// ordering section).
func (p *Processor) Start(ctx context.Context) {
	tickCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(tickCtx)
}

// Stop cancels the ticker and waits up to 5s for the current tick to
// finish, per the daemon's bounded-shutdown rule.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.log.Warn().Msg("processor stop timed out waiting for in-flight tick")
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	p.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runTick(ctx)
		}
	}
}

func (p *Processor) runTick(ctx context.Context) {
	p.RunRecovery(ctx)

	batches, err := p.store.PendingBatches(ctx, p.batchesPerTick)
	if err != nil {
		p.log.Warn().Err(err).Msg("processor: list pending batches failed")
		return
	}
	if len(batches) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, defaultMaxConcurrency)
	for _, b := range batches {
		b := b
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := p.processBatch(gctx, b, false); err != nil {
				p.log.Warn().Err(err).Int64("batch_id", b.ID).Msg("processor: batch failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	p.runEmbeddingPass(ctx)
}

// processBatch runs steps 1-5 of spec.md §4.4's per-batch pipeline.
// manual is true only when the batch was promoted via an explicit API
// call rather than picked up by the ticker; an agent_notification or
// system batch is otherwise skipped.
func (p *Processor) processBatch(ctx context.Context, batch *domain.PromptBatch, manual bool) error {
	if (batch.SourceType == domain.SourceAgentNotification || batch.SourceType == domain.SourceSystem) && !manual {
		return p.store.MarkBatchProcessed(ctx, batch.ID, true)
	}

	activities, err := p.store.BatchActivities(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("load activities: %w", err)
	}

	if p.llmClient != nil && p.llmClient.IsAvailable() {
		class, err := p.llmClient.Classify(ctx, batch.UserPrompt, batch.ResponseSummary)
		if err == nil {
			if setErr := p.store.SetBatchClassification(ctx, batch.ID, domain.Classification(class)); setErr != nil {
				p.log.Warn().Err(setErr).Msg("processor: set classification failed")
			}
		}

		extraction, err := p.llmClient.Extract(ctx, sessionActivityFromBatch(batch, activities))
		if err != nil {
			p.log.Warn().Err(err).Int64("batch_id", batch.ID).Msg("processor: extraction failed")
		} else {
			p.persistObservations(ctx, batch, extraction.Observations)
		}
	}

	return p.store.MarkBatchProcessed(ctx, batch.ID, true)
}

func (p *Processor) persistObservations(ctx context.Context, batch *domain.PromptBatch, observations []llm.Observation) {
	for _, o := range observations {
		stored := &domain.StoredObservation{
			SessionID:     batch.SessionID,
			PromptBatchID: &batch.ID,
			Observation:   o.Observation,
			MemoryType:    o.Type,
			Context:       o.Context,
			Importance:    domain.DefaultImportance,
			OriginType:    domain.OriginAutoExtracted,
		}
		if _, created, err := p.store.InsertObservation(ctx, stored); err != nil {
			p.log.Warn().Err(err).Msg("processor: insert observation failed")
		} else if created {
			p.log.Debug().Str("observation_id", stored.ID).Msg("processor: new observation")
		}
	}
}

func sessionActivityFromBatch(batch *domain.PromptBatch, activities []*domain.Activity) llm.SessionActivity {
	var created, modified, read, commands []string
	for _, a := range activities {
		switch a.ToolName {
		case "Write":
			created = append(created, a.FilesAffected...)
		case "Edit", "MultiEdit":
			modified = append(modified, a.FilesAffected...)
		case "Read":
			read = append(read, a.FilesAffected...)
		case "Bash":
			commands = append(commands, a.ToolInputJSON)
		}
	}
	duration := 0.0
	if batch.EndedAt != nil {
		duration = batch.EndedAt.Sub(batch.StartedAt).Minutes()
	}
	return llm.SessionActivity{
		FilesCreated:    created,
		FilesModified:   modified,
		FilesRead:       read,
		CommandsRun:     commands,
		DurationMinutes: duration,
	}
}

// runEmbeddingPass embeds up to embeddingPassSize pending observations.
func (p *Processor) runEmbeddingPass(ctx context.Context) {
	if p.embedder == nil || p.memoryStore == nil || !p.embedder.IsAvailable() {
		return
	}

	pending, err := p.store.PendingEmbeddings(ctx, embeddingPassSize)
	if err != nil {
		p.log.Warn().Err(err).Msg("processor: list pending embeddings failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	texts := make([]string, len(pending))
	for i, o := range pending {
		texts[i] = o.Observation
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.log.Warn().Err(err).Msg("processor: embed pending observations failed")
		return
	}

	var embeddedIDs []string
	for i, o := range pending {
		if i >= len(vectors) {
			break
		}
		metadata := map[string]string{
			"observation": o.Observation,
			"memory_type": o.MemoryType,
			"context":     o.Context,
			"importance":  fmt.Sprintf("%d", o.Importance),
			"file_path":   o.FilePath,
			"session_id":  o.SessionID,
		}
		if err := p.memoryStore.Upsert(ctx, o.ID, vectors[i], metadata); err != nil {
			p.log.Warn().Err(err).Str("observation_id", o.ID).Msg("processor: vector upsert failed")
			continue
		}
		embeddedIDs = append(embeddedIDs, o.ID)
	}

	if len(embeddedIDs) > 0 {
		if err := p.store.MarkEmbedded(ctx, embeddedIDs); err != nil {
			p.log.Warn().Err(err).Msg("processor: mark embedded failed")
		}
	}
}

// ProcessBatchNow runs the per-batch pipeline immediately for one
// batch, bypassing the agent_notification/system skip rule, for the
// reprocess-queue API endpoint (spec.md §4.3 "Reprocess queue").
func (p *Processor) ProcessBatchNow(ctx context.Context, batch *domain.PromptBatch) error {
	return p.processBatch(ctx, batch, true)
}

// SummarizeSession produces and stores a session summary when the
// session has at least minToolCallsForSummary tool calls, per spec.md
// §4.4. Resumed sessions re-summarize every batch rather than only new
// ones, so the replacement has full context.
func (p *Processor) SummarizeSession(ctx context.Context, sessionID string, toolCallCount int) error {
	if toolCallCount < minToolCallsForSummary {
		return nil
	}
	if p.llmClient == nil || !p.llmClient.IsAvailable() {
		return nil
	}

	activities, err := p.store.SessionActivities(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session activities: %w", err)
	}

	var commands, files []string
	for _, a := range activities {
		files = append(files, a.FilesAffected...)
		if a.ToolName == "Bash" {
			commands = append(commands, a.ToolInputJSON)
		}
	}

	text := fmt.Sprintf("files touched: %v; commands: %v", files, commands)
	summary, err := p.llmClient.Summarize(ctx, text)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if len(summary) > maxSessionSummaryChars {
		summary = summary[:maxSessionSummaryChars]
	}
	return p.store.UpdateSessionSummary(ctx, sessionID, summary)
}

// RunRecovery completes any prompt batch left active past
// domain.StuckBatchAgeSeconds and reattaches orphaned activities to
// their session's latest batch (spec.md §4.3 "Recovery routines …
// run on startup and on a timer"). It runs once at daemon startup and
// again at the start of every tick.
func (p *Processor) RunRecovery(ctx context.Context) {
	stuck, err := p.store.StuckBatches(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("recovery: list stuck batches failed")
	} else {
		for _, b := range stuck {
			if err := p.store.CompleteStuckBatch(ctx, b.ID, "[recovered: stuck batch closed by recovery pass]"); err != nil {
				p.log.Warn().Err(err).Int64("batch_id", b.ID).Msg("recovery: complete stuck batch failed")
				continue
			}
			p.log.Info().Int64("batch_id", b.ID).Msg("recovery: closed stuck batch")
		}
	}

	sessionIDs, err := p.store.SessionIDsWithOrphanActivities(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("recovery: list orphan sessions failed")
		return
	}
	for _, sessionID := range sessionIDs {
		target, orphans, err := p.store.RecoverOrphanActivities(ctx, sessionID)
		if err != nil {
			p.log.Warn().Err(err).Str("session_id", sessionID).Msg("recovery: recover orphan activities failed")
			continue
		}
		if target != nil {
			p.log.Info().Str("session_id", sessionID).Int64("batch_id", target.ID).
				Int("activities", len(orphans)).Msg("recovery: reattached orphan activities")
		}
	}
}

// Reconcile compares observation counts between SQLite and the memory
// vector store at startup (spec.md §4.4 "Startup reconciliation") and
// schedules a rebuild or embed-pending pass on a background goroutine
// so it never blocks daemon readiness.
func (p *Processor) Reconcile(ctx context.Context) {
	if p.memoryStore == nil {
		return
	}
	go func() {
		sqlCount, err := p.store.CountActiveObservations(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("reconcile: count sqlite observations failed")
			return
		}
		vecCount, err := p.memoryStore.Count(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("reconcile: count vector store failed")
			return
		}

		if vecCount == 0 && sqlCount > 0 {
			p.log.Info().Int("sqlite_count", sqlCount).Msg("reconcile: vector store empty, scheduling full rebuild")
			p.rebuildVectorStore(ctx)
			return
		}
		p.runEmbeddingPass(ctx)
	}()
}

func (p *Processor) rebuildVectorStore(ctx context.Context) {
	if p.embedder == nil || !p.embedder.IsAvailable() {
		return
	}
	lastPending := -1
	for {
		pending, err := p.store.PendingEmbeddings(ctx, embeddingPassSize)
		if err != nil || len(pending) == 0 {
			return
		}
		if len(pending) == lastPending {
			p.log.Warn().Int("pending", len(pending)).Msg("rebuild vector store: no progress, stopping")
			return
		}
		lastPending = len(pending)
		p.runEmbeddingPass(ctx)
	}
}
