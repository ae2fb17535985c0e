// Package session drives chapter and book narration runs. A run feeds
// text segments to the scheduler, persists synthesized audio through
// the batcher, aggregates per-segment durations into one timeline, and
// assembles the final chapter artifact once every segment has resolved.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/narratolabs/narrato-core/internal/assembly"
	"github.com/narratolabs/narrato-core/internal/config"
	"github.com/narratolabs/narrato-core/internal/protocol"
	"github.com/narratolabs/narrato-core/internal/scheduler"
	"github.com/narratolabs/narrato-core/internal/segstore"
	"github.com/narratolabs/narrato-core/internal/synth"
	"github.com/narratolabs/narrato-core/internal/wav"
)

// BookArtifactID is the chapter key under which whole-book exports are
// stored; real chapter ids never collide with it.
const BookArtifactID = "__book__"

// ErrRunInProgress is returned when a chapter already has an active run.
var ErrRunInProgress = errors.New("generation already running for chapter")

// Result summarizes one completed (or cancelled) chapter run.
type Result struct {
	RunID     string
	Report    scheduler.Report
	Duration  float64
	Assembled bool
}

// Callbacks deliver interactive feedback during a run. Any field may be
// nil. OnSegment fires when a segment is synthesized, before its flush
// completes.
type Callbacks struct {
	OnProgress func(protocol.GenerationProgress)
	OnSegment  func(protocol.SegmentReady)
}

// Manager owns run state across chapters: live parallelism, priority
// jumps, and per-chapter cancellation.
type Manager struct {
	cfg       config.Config
	log       *slog.Logger
	store     *segstore.Store
	synth     synth.Synthesizer
	assembler *assembly.Assembler
	metrics   *runMetrics

	parallelism atomic.Int32

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
	jump   *scheduler.Jump
}

// NewManager wires the session driver.
func NewManager(cfg config.Config, store *segstore.Store, syn synth.Synthesizer, asm *assembly.Assembler, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       log.With(slog.String("component", "session")),
		store:     store,
		synth:     syn,
		assembler: asm,
		metrics:   newRunMetrics(log),
		runs:      make(map[string]*activeRun),
	}
	m.parallelism.Store(int32(cfg.Scheduler.Parallelism))
	return m
}

// SetParallelism adjusts the concurrency level for running and future
// runs; the scheduler picks it up on its next batch.
func (m *Manager) SetParallelism(n int) {
	if n > 0 {
		m.parallelism.Store(int32(n))
	}
}

// Parallelism returns the current concurrency level.
func (m *Manager) Parallelism() int {
	return int(m.parallelism.Load())
}

// Prioritize asks the active run for a chapter to synthesize the given
// segment index in its next batch. Returns false when no run is active.
func (m *Manager) Prioritize(bookID, chapterID string, index int) bool {
	m.mu.Lock()
	run, ok := m.runs[runKey(bookID, chapterID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	run.jump.Request(index)
	return true
}

// Cancel aborts the active run for a chapter, if any.
func (m *Manager) Cancel(bookID, chapterID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runKey(bookID, chapterID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

func runKey(bookID, chapterID string) string {
	return bookID + "/" + chapterID
}

// GenerateChapter narrates one chapter end to end. Cancellation leaves
// already-synthesized segments persisted; a later run picks them up
// from the store instead of re-synthesizing.
func (m *Manager) GenerateChapter(ctx context.Context, req protocol.GenerateRequest, cb Callbacks) (*Result, error) {
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("chapter %s/%s has no segments", req.BookID, req.ChapterID)
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	key := runKey(req.BookID, req.ChapterID)
	run := &activeRun{id: runID, cancel: cancel, jump: scheduler.NewJump()}

	m.mu.Lock()
	if _, exists := m.runs[key]; exists {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}
	m.runs[key] = run
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.runs, key)
		m.mu.Unlock()
	}()

	log := m.log.With(
		slog.String("book", req.BookID),
		slog.String("chapter", req.ChapterID),
		slog.String("run", runID))
	log.Info("chapter generation started", slog.Int("segments", len(req.Segments)))
	started := time.Now()

	voice := req.Voice
	if voice == "" {
		voice = m.cfg.Synthesis.Voice
	}

	notify := func(seg segstore.Segment) {
		if cb.OnSegment != nil {
			cb.OnSegment(protocol.SegmentReady{
				BookID:    req.BookID,
				ChapterID: req.ChapterID,
				SegmentID: seg.ID,
				Index:     seg.Index,
				Duration:  seg.Duration,
			})
		}
	}
	batcher := segstore.NewBatcher(m.store, req.BookID, req.ChapterID,
		m.cfg.Scheduler.BatchPersistSize, notify, m.log)

	var resMu sync.Mutex
	results := make(map[int]segstore.Segment, len(req.Segments))

	segments := make([]scheduler.Segment, len(req.Segments))
	for i, ts := range req.Segments {
		segments[i] = scheduler.Segment{Index: ts.Index, ID: ts.ID, Text: ts.Text}
	}

	timeout := time.Duration(m.cfg.Synthesis.TimeoutMS) * time.Millisecond

	report := scheduler.Run(runCtx, segments, scheduler.Options{
		Parallelism: m.Parallelism,
		Priority:    run.jump,
		Logger:      m.log,
		Process: func(ctx context.Context, seg scheduler.Segment) (*scheduler.Processed, error) {
			if strings.TrimSpace(seg.Text) == "" {
				return nil, nil
			}
			callCtx := ctx
			if timeout > 0 {
				var cancelCall context.CancelFunc
				callCtx, cancelCall = context.WithTimeout(ctx, timeout)
				defer cancelCall()
			}
			audio, err := m.synth.Synthesize(callCtx, synth.Request{Text: seg.Text, Voice: voice})
			if err != nil {
				return nil, err
			}
			d := wav.Measure(audio)
			return &scheduler.Processed{Segment: seg, Audio: audio, Duration: d.Seconds}, nil
		},
		OnResult: func(ctx context.Context, item *scheduler.Processed) error {
			row := segstore.Segment{
				ID:        item.Segment.ID,
				BookID:    req.BookID,
				ChapterID: req.ChapterID,
				Index:     item.Segment.Index,
				Audio:     item.Audio,
				Format:    "wav",
				Duration:  item.Duration,
			}
			resMu.Lock()
			results[row.Index] = row
			resMu.Unlock()
			batcher.Add(ctx, row)
			return nil
		},
		OnProgress: func(completed, total int) {
			if cb.OnProgress != nil {
				cb.OnProgress(protocol.GenerationProgress{
					BookID:    req.BookID,
					ChapterID: req.ChapterID,
					RunID:     runID,
					Completed: completed,
					Total:     total,
					Timestamp: time.Now().UTC(),
				})
			}
		},
	})

	// Final persistence must survive run cancellation.
	persistCtx := context.Background()
	batcher.Flush(persistCtx)

	// Segments from an earlier, interrupted run fill the gaps this run
	// did not reach.
	if stored, err := m.store.GetSegments(persistCtx, req.BookID, req.ChapterID); err != nil {
		log.Warn("loading stored segments failed", slog.String("error", err.Error()))
	} else {
		for _, s := range stored {
			if _, ok := results[s.Index]; !ok {
				results[s.Index] = s
			}
		}
	}

	ordered := make([]segstore.Segment, 0, len(results))
	for _, seg := range results {
		ordered = append(ordered, seg)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var total float64
	for i := range ordered {
		ordered[i].StartTime = total
		total += ordered[i].Duration
	}

	if err := m.store.PutSegments(persistCtx, req.BookID, req.ChapterID, ordered); err != nil {
		log.Warn("chapter snapshot save failed", slog.String("error", err.Error()))
	}

	elapsed := time.Since(started)
	m.metrics.observeRun(persistCtx, len(report.Processed), len(report.Failed), elapsed.Seconds())

	res := &Result{RunID: runID, Report: report, Duration: total}
	if report.Cancelled {
		log.Info("chapter generation cancelled",
			slog.Int("processed", len(report.Processed)),
			slog.Int("failed", len(report.Failed)))
		return res, nil
	}
	if len(ordered) == 0 {
		return res, fmt.Errorf("chapter %s/%s produced no audio", req.BookID, req.ChapterID)
	}

	chapters := make([]assembly.Chapter, 0, len(ordered))
	for _, seg := range ordered {
		chapters = append(chapters, assembly.Chapter{ID: seg.ID, Audio: seg.Audio})
	}
	art, err := m.assembler.Assemble(ctx, chapters, assembly.Options{
		Format:  assembly.Format(m.cfg.Assembly.Format),
		Bitrate: m.cfg.Assembly.Bitrate,
		Title:   req.Title,
	}, nil)
	if err != nil {
		return res, fmt.Errorf("assemble chapter %s/%s: %w", req.BookID, req.ChapterID, err)
	}

	if err := m.store.PutAssembled(persistCtx, segstore.Assembled{
		BookID:    req.BookID,
		ChapterID: req.ChapterID,
		Format:    m.cfg.Assembly.Format,
		Audio:     art,
		Duration:  total,
		Title:     req.Title,
	}); err != nil {
		return res, fmt.Errorf("persist assembled chapter: %w", err)
	}

	res.Assembled = true
	log.Info("chapter generation finished",
		slog.Int("processed", len(report.Processed)),
		slog.Int("failed", len(report.Failed)),
		slog.Float64("audio_seconds", total),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

// GenerateBook narrates chapters sequentially in the given order. The
// first hard failure stops the book; failed segments within a chapter
// do not.
func (m *Manager) GenerateBook(ctx context.Context, chapters []protocol.GenerateRequest, cb Callbacks) ([]*Result, error) {
	results := make([]*Result, 0, len(chapters))
	for _, req := range chapters {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := m.GenerateChapter(ctx, req, cb)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ExportBook joins already-assembled chapter artifacts into one
// book-level artifact and stores it under BookArtifactID.
func (m *Manager) ExportBook(ctx context.Context, req protocol.ExportRequest) (*segstore.Assembled, error) {
	if len(req.ChapterIDs) == 0 {
		return nil, fmt.Errorf("book %s export has no chapters", req.BookID)
	}

	chapters := make([]assembly.Chapter, 0, len(req.ChapterIDs))
	var total float64
	for _, chapterID := range req.ChapterIDs {
		art, err := m.store.GetAssembled(ctx, req.BookID, chapterID)
		if err != nil {
			return nil, fmt.Errorf("load chapter %s: %w", chapterID, err)
		}
		if art == nil {
			return nil, fmt.Errorf("chapter %s has no assembled audio", chapterID)
		}
		chapters = append(chapters, assembly.Chapter{ID: chapterID, Title: art.Title, Audio: art.Audio})
		total += art.Duration
	}

	format := req.Format
	if format == "" {
		format = m.cfg.Assembly.Format
	}
	bitrate := req.Bitrate
	if bitrate <= 0 {
		bitrate = m.cfg.Assembly.Bitrate
	}

	out, err := m.assembler.Assemble(ctx, chapters, assembly.Options{
		Format:  assembly.Format(format),
		Bitrate: bitrate,
		Title:   req.Title,
		Author:  req.Author,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("assemble book %s: %w", req.BookID, err)
	}

	book := segstore.Assembled{
		BookID:    req.BookID,
		ChapterID: BookArtifactID,
		Format:    format,
		Audio:     out,
		Duration:  total,
		Title:     req.Title,
	}
	if err := m.store.PutAssembled(ctx, book); err != nil {
		return nil, fmt.Errorf("persist book artifact: %w", err)
	}

	m.log.Info("book export finished",
		slog.String("book", req.BookID),
		slog.String("format", format),
		slog.Int("chapters", len(chapters)),
		slog.Float64("audio_seconds", total))
	return &book, nil
}
