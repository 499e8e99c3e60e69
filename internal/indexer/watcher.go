package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultDebounce coalesces bursts of writes (editors often emit
// several events per save) before triggering a reindex, matching the
// teacher's skills watcher debounce pattern.
const defaultDebounce = 250 * time.Millisecond

// Watch starts an fsnotify watcher over every directory under root not
// excluded by ignore, calling onChange(relPath) for each create/write
// and onRemove(relPath) for each remove/rename, debounced per path. It
// returns a stop function. While the watcher's goroutine is servicing
// events, readers of the vector store still see the previous index
// (spec.md §4.6 "search still returns partial results from the
// previous index").
func Watch(ctx context.Context, root string, ignore *IgnoreSet, log zerolog.Logger, onChange, onRemove func(relPath string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addDirsRecursive(watcher, root, ignore); err != nil {
		watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go watchLoop(watchCtx, &wg, watcher, root, ignore, log, onChange, onRemove)

	stop := func() {
		cancel()
		watcher.Close()
		wg.Wait()
	}
	return stop, nil
}

func addDirsRecursive(watcher *fsnotify.Watcher, root string, ignore *IgnoreSet) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && ignore.ShouldIgnore(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func watchLoop(ctx context.Context, wg *sync.WaitGroup, watcher *fsnotify.Watcher, root string, ignore *IgnoreSet, log zerolog.Logger, onChange, onRemove func(relPath string)) {
	defer wg.Done()

	debouncers := make(map[string]*time.Timer)
	var mu sync.Mutex

	schedule := func(relPath string, fn func()) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := debouncers[relPath]; ok {
			t.Stop()
		}
		debouncers[relPath] = time.AfterFunc(defaultDebounce, fn)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(root, event.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if ignore.ShouldIgnore(rel) || IsSensitive(rel) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				schedule(rel, func() { onRemove(rel) })
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
				schedule(rel, func() { onChange(rel) })
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("indexer watch error")
		}
	}
}
