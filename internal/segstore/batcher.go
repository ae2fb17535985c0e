package segstore

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBatchSize bounds how many segments accumulate before a flush.
const DefaultBatchSize = 10

// NotifyFunc is invoked at Add time, before the segment is durably
// flushed, so interactive feedback is decoupled from storage latency.
type NotifyFunc func(Segment)

// Batcher accumulates generated segments and flushes them to the store
// in bounded batches. A failed flush is logged and the buffer cleared:
// the final full-chapter snapshot re-persists every segment, and the
// store's upsert semantics make the repeat write idempotent.
type Batcher struct {
	store     *Store
	bookID    string
	chapterID string
	size      int
	log       *slog.Logger
	notify    NotifyFunc

	mu  sync.Mutex
	buf []Segment
}

// NewBatcher creates a batcher for one chapter run.
func NewBatcher(store *Store, bookID, chapterID string, size int, notify NotifyFunc, log *slog.Logger) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batcher{
		store:     store,
		bookID:    bookID,
		chapterID: chapterID,
		size:      size,
		notify:    notify,
		log:       log.With(slog.String("component", "segment-batcher")),
		buf:       make([]Segment, 0, size),
	}
}

// Add buffers a segment, reporting it to the notify callback right
// away. A full buffer triggers a flush.
func (b *Batcher) Add(ctx context.Context, seg Segment) {
	if b.notify != nil {
		b.notify(seg)
	}

	b.mu.Lock()
	b.buf = append(b.buf, seg)
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Flush persists the buffered segments. Errors are swallowed after
// logging; durability is guaranteed by the later snapshot save.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	pending := b.buf
	b.buf = make([]Segment, 0, b.size)
	b.mu.Unlock()

	if err := b.store.PutSegments(ctx, b.bookID, b.chapterID, pending); err != nil {
		b.log.Warn("segment batch flush failed",
			slog.Int("count", len(pending)),
			slog.String("error", err.Error()))
	}
}

// Pending returns the number of unflushed segments.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
