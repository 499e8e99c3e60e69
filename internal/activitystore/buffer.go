package activitystore

import (
	"context"
	"sync"
	"time"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

// defaultBufferSize and defaultBufferInterval are the size/time
// thresholds for the buffered-insert path (spec.md §4.3: "accumulates
// Activities in memory and flushes when the buffer reaches a size
// threshold or a time threshold, whichever first").
const (
	defaultBufferSize     = 20
	defaultBufferInterval = 2 * time.Second
)

// ActivityBuffer batches Activity writes so a burst of tool calls within
// one request does not each pay a full transaction round trip.
type ActivityBuffer struct {
	store    *Store
	mu       sync.Mutex
	pending  []*domain.Activity
	size     int
	interval time.Duration
	timer    *time.Timer
	onFlushErr func(error)
}

// NewActivityBuffer creates a buffer flushing to store. onFlushErr, if
// non-nil, is called with any error from a background flush.
func NewActivityBuffer(store *Store, onFlushErr func(error)) *ActivityBuffer {
	return &ActivityBuffer{
		store:      store,
		size:       defaultBufferSize,
		interval:   defaultBufferInterval,
		onFlushErr: onFlushErr,
	}
}

// Add queues an activity, flushing synchronously if the buffer is full.
func (b *ActivityBuffer) Add(ctx context.Context, a *domain.Activity) error {
	b.mu.Lock()
	b.pending = append(b.pending, a)
	full := len(b.pending) >= b.size
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flushAsync)
	}
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

func (b *ActivityBuffer) flushAsync() {
	if err := b.Flush(context.Background()); err != nil && b.onFlushErr != nil {
		b.onFlushErr(err)
	}
}

// Flush writes every pending activity to the store.
func (b *ActivityBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	for _, a := range items {
		if err := b.store.InsertActivity(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
