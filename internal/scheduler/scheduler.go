// Package scheduler implements the batch control loop that decides
// which text segment to synthesize next. It honors a parallelism level
// re-read before every batch, one-shot priority jumps, and cooperative
// cancellation at batch boundaries.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Segment is one unit of work, addressed by its chapter-local index.
type Segment struct {
	Index int
	ID    string
	Text  string
}

// Processed is the outcome of one successful synthesis attempt.
type Processed struct {
	Segment  Segment
	Audio    []byte
	Duration float64
}

// ProcessFunc synthesizes a single segment. Returning (nil, nil)
// signals "nothing to do" (e.g. an empty segment): the index is marked
// processed without invoking ResultFunc.
type ProcessFunc func(ctx context.Context, seg Segment) (*Processed, error)

// ResultFunc receives each successful item. An error demotes the
// segment to failed rather than processed.
type ResultFunc func(ctx context.Context, item *Processed) error

// ProgressFunc is called once per batch with cumulative counts.
type ProgressFunc func(completed, total int)

// Options configures a single run.
type Options struct {
	// Parallelism is read fresh before each batch so a live
	// configuration change takes effect on the very next batch.
	Parallelism func() int
	Priority    *Jump
	Process     ProcessFunc
	OnResult    ResultFunc
	OnProgress  ProgressFunc
	Logger      *slog.Logger
}

// Report summarizes a completed (or cancelled) run.
type Report struct {
	Total     int
	Processed map[int]struct{}
	Failed    map[int]struct{}
	Cancelled bool
}

// FailedIndices returns the failed set sorted ascending.
func (r Report) FailedIndices() []int {
	out := make([]int, 0, len(r.Failed))
	for idx := range r.Failed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Done reports whether every index has been attempted.
func (r Report) Done() bool {
	return len(r.Processed)+len(r.Failed) >= r.Total
}

type batchResult struct {
	index int
	item  *Processed
	err   error
}

// Run drives the scheduling loop until every segment has been attempted
// exactly once or the context is cancelled. A non-empty failed set is
// reported, never escalated to an error.
func Run(ctx context.Context, segments []Segment, opts Options) Report {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "scheduler"))

	total := len(segments)
	report := Report{
		Total:     total,
		Processed: make(map[int]struct{}, total),
		Failed:    make(map[int]struct{}),
	}
	if total == 0 {
		return report
	}

	byIndex := make(map[int]Segment, total)
	for _, seg := range segments {
		byIndex[seg.Index] = seg
	}

	attempted := func(idx int) bool {
		if _, ok := report.Processed[idx]; ok {
			return true
		}
		_, ok := report.Failed[idx]
		return ok
	}

	cursor := 0
	for !report.Done() {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		parallelism := 1
		if opts.Parallelism != nil {
			if p := opts.Parallelism(); p > 0 {
				parallelism = p
			}
		}

		batch := make([]int, 0, parallelism)
		inBatch := make(map[int]struct{}, parallelism)

		// At most one outstanding priority jump per batch. A target
		// already attempted or already selected is dropped silently.
		if opts.Priority != nil {
			if idx, ok := opts.Priority.take(); ok {
				if idx >= 0 && idx < total && !attempted(idx) {
					batch = append(batch, idx)
					inBatch[idx] = struct{}{}
					cursor = (idx + 1) % total
				}
			}
		}

		for checked := 0; len(batch) < parallelism && checked < total; checked++ {
			idx := cursor
			cursor = (cursor + 1) % total
			if attempted(idx) {
				continue
			}
			if _, ok := inBatch[idx]; ok {
				continue
			}
			batch = append(batch, idx)
			inBatch[idx] = struct{}{}
		}

		if len(batch) == 0 {
			break
		}

		results := make([]batchResult, len(batch))
		var wg sync.WaitGroup
		for slot, idx := range batch {
			if ctx.Err() != nil {
				report.Cancelled = true
				results[slot] = batchResult{index: idx, err: ctx.Err()}
				continue
			}
			seg, ok := byIndex[idx]
			if !ok {
				// Defensive: a cursor index with no segment is failed
				// immediately so the loop cannot stall on it.
				log.Warn("no segment for index", slog.Int("index", idx))
				report.Failed[idx] = struct{}{}
				results[slot] = batchResult{index: idx, item: nil, err: nil}
				continue
			}
			wg.Add(1)
			go func(slot, idx int, seg Segment) {
				defer wg.Done()
				item, err := opts.Process(ctx, seg)
				results[slot] = batchResult{index: idx, item: item, err: err}
			}(slot, idx, seg)
		}
		wg.Wait()

		for _, res := range results {
			if attempted(res.index) {
				continue
			}
			switch {
			case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
				// Cancellation is an expected early exit, not a
				// per-segment defect; the index stays unattempted.
			case res.err != nil:
				log.Warn("segment synthesis failed",
					slog.Int("index", res.index),
					slog.String("error", res.err.Error()))
				report.Failed[res.index] = struct{}{}
			case res.item == nil:
				report.Processed[res.index] = struct{}{}
			default:
				if opts.OnResult != nil {
					if err := opts.OnResult(ctx, res.item); err != nil {
						log.Warn("segment result handling failed",
							slog.Int("index", res.index),
							slog.String("error", err.Error()))
						report.Failed[res.index] = struct{}{}
						continue
					}
				}
				report.Processed[res.index] = struct{}{}
			}
		}

		if opts.OnProgress != nil {
			opts.OnProgress(len(report.Processed)+len(report.Failed), total)
		}
	}

	if len(report.Failed) > 0 {
		log.Info("run finished with failed segments",
			slog.Int("processed", len(report.Processed)),
			slog.Int("failed", len(report.Failed)))
	}
	return report
}
