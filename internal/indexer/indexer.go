package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

// Indexer owns discovery, chunking, embedding, and vector-store upsert
// for one project's code collection, plus the fsnotify watcher that
// keeps it warm. The initial pass uses a bounded worker pool via
// errgroup, the same pattern the teacher applies to bound concurrent
// tool batch execution (internal/tool/batch.go).
type Indexer struct {
	root     string
	ignore   *IgnoreSet
	store    vectorstore.Store
	embedder embedding.Provider
	log      zerolog.Logger

	stopWatch func()
}

// New builds an Indexer rooted at root.
func New(root string, ignore *IgnoreSet, store vectorstore.Store, embedder embedding.Provider, log zerolog.Logger) *Indexer {
	return &Indexer{root: root, ignore: ignore, store: store, embedder: embedder, log: log}
}

// FullIndex discovers every file under root and upserts its chunks,
// using min(8, GOMAXPROCS) concurrent workers.
func (ix *Indexer) FullIndex(ctx context.Context) error {
	files, err := Discover(ix.root, ix.ignore)
	if err != nil {
		return fmt.Errorf("indexer: discover: %w", err)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)

	for _, relPath := range files {
		relPath := relPath
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := ix.IndexFile(gctx, relPath); err != nil {
				ix.log.Warn().Err(err).Str("path", relPath).Msg("index file failed")
			}
			return nil
		})
	}

	return g.Wait()
}

// IndexFile reads, chunks, embeds, and upserts one project-relative
// file. A read or embed failure is returned to the caller; callers
// doing a bulk pass typically log and continue rather than aborting.
func (ix *Indexer) IndexFile(ctx context.Context, relPath string) error {
	data, err := os.ReadFile(filepath.Join(ix.root, relPath))
	if err != nil {
		return fmt.Errorf("read %s: %w", relPath, err)
	}

	chunks := Chunk(relPath, string(data))
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %s: %w", relPath, err)
	}

	for i, c := range chunks {
		if i >= len(vectors) {
			break
		}
		metadata := map[string]string{
			"path":       c.FilePath,
			"language":   c.Language,
			"chunk_type": c.ChunkType,
			"name":       c.Name,
			"start_line": itoa(c.StartLine),
			"end_line":   itoa(c.EndLine),
			"snippet":    truncateSnippet(c.Content),
		}
		if err := ix.store.Upsert(ctx, c.ID, vectors[i], metadata); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// RemoveFile deletes every chunk belonging to relPath from the vector
// store (spec.md §4.6 "Deletion by filepath removes all chunks of that
// file").
func (ix *Indexer) RemoveFile(ctx context.Context, relPath string) error {
	return ix.store.DeleteByMetadata(ctx, "path", relPath)
}

// StartWatching begins incremental reindexing; call ix.StopWatching to
// shut it down.
func (ix *Indexer) StartWatching(ctx context.Context) error {
	stop, err := Watch(ctx, ix.root, ix.ignore, ix.log,
		func(relPath string) {
			if err := ix.IndexFile(ctx, relPath); err != nil {
				ix.log.Warn().Err(err).Str("path", relPath).Msg("incremental reindex failed")
			}
		},
		func(relPath string) {
			if err := ix.RemoveFile(ctx, relPath); err != nil {
				ix.log.Warn().Err(err).Str("path", relPath).Msg("remove file from index failed")
			}
		},
	)
	if err != nil {
		return err
	}
	ix.stopWatch = stop
	return nil
}

// StopWatching stops the watcher if running; safe to call when not
// watching.
func (ix *Indexer) StopWatching() {
	if ix.stopWatch != nil {
		ix.stopWatch()
		ix.stopWatch = nil
	}
}

func truncateSnippet(content string) string {
	const maxSnippetChars = 2000
	if len(content) <= maxSnippetChars {
		return content
	}
	return content[:maxSnippetChars]
}
