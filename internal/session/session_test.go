package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/narratolabs/narrato-core/internal/assembly"
	"github.com/narratolabs/narrato-core/internal/config"
	"github.com/narratolabs/narrato-core/internal/protocol"
	"github.com/narratolabs/narrato-core/internal/segstore"
	"github.com/narratolabs/narrato-core/internal/synth"
	"github.com/narratolabs/narrato-core/internal/transcoder"
	"github.com/narratolabs/narrato-core/internal/wav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.SegmentStore.Path = filepath.Join(t.TempDir(), "segments.db")
	cfg.Scheduler.BatchPersistSize = 2
	return cfg
}

func testManager(t *testing.T, cfg config.Config, syn synth.Synthesizer) (*Manager, *segstore.Store) {
	t.Helper()
	log := testLogger()
	store, err := segstore.Open(context.Background(), cfg.SegmentStore, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	trans := transcoder.NewHandle(cfg.Transcoder, log)
	asm := assembly.New(assembly.NewWavDecoder(), trans, log)
	return NewManager(cfg, store, syn, asm, log), store
}

// stubSynth delegates to a test-provided function.
type stubSynth struct {
	fn func(ctx context.Context, req synth.Request) ([]byte, error)
}

func (s stubSynth) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	return s.fn(ctx, req)
}

func silentWAV(sampleRate, channels int, seconds float64) []byte {
	dataLen := int(seconds*float64(sampleRate)) * channels * 2
	out := make([]byte, 0, wav.HeaderSize+dataLen)
	out = append(out, wav.WriteHeader(sampleRate, channels, 16, dataLen)...)
	return append(out, make([]byte, dataLen)...)
}

func segments(texts ...string) []protocol.TextSegment {
	out := make([]protocol.TextSegment, len(texts))
	for i, text := range texts {
		out[i] = protocol.TextSegment{Index: i, ID: "seg-" + string(rune('a'+i)), Text: text}
	}
	return out
}

func TestGenerateChapterEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	syn := stubSynth{fn: func(_ context.Context, _ synth.Request) ([]byte, error) {
		return silentWAV(22050, 1, 0.5), nil
	}}
	m, store := testManager(t, cfg, syn)

	var ready []protocol.SegmentReady
	var progress []protocol.GenerationProgress
	res, err := m.GenerateChapter(context.Background(), protocol.GenerateRequest{
		BookID:    "book-1",
		ChapterID: "ch-1",
		Title:     "Chapter One",
		Segments:  segments("first", "second", "third"),
	}, Callbacks{
		OnSegment:  func(r protocol.SegmentReady) { ready = append(ready, r) },
		OnProgress: func(p protocol.GenerationProgress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Assembled {
		t.Fatal("expected assembled result")
	}
	if len(res.Report.Processed) != 3 || len(res.Report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", res.Report)
	}
	if math.Abs(res.Duration-1.5) > 0.01 {
		t.Fatalf("expected ~1.5s total, got %f", res.Duration)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 segment notifications, got %d", len(ready))
	}
	if len(progress) == 0 {
		t.Fatal("expected progress updates")
	}

	stored, err := store.GetSegments(context.Background(), "book-1", "ch-1")
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 persisted segments, got %d", len(stored))
	}
	var cursor float64
	for i, seg := range stored {
		if seg.Index != i {
			t.Fatalf("expected ascending indices, got %d at position %d", seg.Index, i)
		}
		if math.Abs(seg.StartTime-cursor) > 1e-9 {
			t.Fatalf("segment %d: expected start %f, got %f", i, cursor, seg.StartTime)
		}
		cursor += seg.Duration
	}

	art, err := store.GetAssembled(context.Background(), "book-1", "ch-1")
	if err != nil {
		t.Fatalf("get assembled: %v", err)
	}
	if art == nil {
		t.Fatal("expected assembled chapter artifact")
	}
	d := wav.Measure(art.Audio)
	if math.Abs(d.Seconds-1.5) > 0.01 {
		t.Fatalf("expected ~1.5s artifact, got %f", d.Seconds)
	}
}

func TestGenerateChapterIsolatesSynthesisFailure(t *testing.T) {
	cfg := testConfig(t)
	syn := stubSynth{fn: func(_ context.Context, req synth.Request) ([]byte, error) {
		if strings.Contains(req.Text, "FAIL") {
			return nil, errors.New("backend refused")
		}
		return silentWAV(22050, 1, 0.5), nil
	}}
	m, _ := testManager(t, cfg, syn)

	res, err := m.GenerateChapter(context.Background(), protocol.GenerateRequest{
		BookID:    "book-1",
		ChapterID: "ch-1",
		Segments:  segments("ok", "FAIL here", "ok too"),
	}, Callbacks{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Report.Processed) != 2 {
		t.Fatalf("expected 2 processed, got %d", len(res.Report.Processed))
	}
	if got := res.Report.FailedIndices(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected failed={1}, got %v", got)
	}
	if !res.Assembled {
		t.Fatal("expected assembly from surviving segments")
	}
	if math.Abs(res.Duration-1.0) > 0.01 {
		t.Fatalf("expected ~1.0s from two segments, got %f", res.Duration)
	}
}

func TestGenerateChapterRejectsConcurrentRun(t *testing.T) {
	cfg := testConfig(t)
	started := make(chan struct{})
	release := make(chan struct{})
	syn := stubSynth{fn: func(ctx context.Context, _ synth.Request) ([]byte, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return silentWAV(22050, 1, 0.2), nil
	}}
	m, _ := testManager(t, cfg, syn)

	req := protocol.GenerateRequest{
		BookID:    "book-1",
		ChapterID: "ch-1",
		Segments:  segments("one", "two"),
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.GenerateChapter(context.Background(), req, Callbacks{})
		done <- err
	}()
	<-started

	if _, err := m.GenerateChapter(context.Background(), req, Callbacks{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestCancelStopsActiveRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Parallelism = 1
	syn := stubSynth{fn: func(ctx context.Context, _ synth.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m, _ := testManager(t, cfg, syn)

	done := make(chan *Result, 1)
	go func() {
		res, _ := m.GenerateChapter(context.Background(), protocol.GenerateRequest{
			BookID:    "book-1",
			ChapterID: "ch-1",
			Segments:  segments("one", "two", "three"),
		}, Callbacks{})
		done <- res
	}()

	deadline := time.After(5 * time.Second)
	for !m.Cancel("book-1", "ch-1") {
		select {
		case <-deadline:
			t.Fatal("run never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	res := <-done
	if res == nil {
		t.Fatal("expected a result from cancelled run")
	}
	if !res.Report.Cancelled {
		t.Fatal("expected cancelled report")
	}
	if res.Assembled {
		t.Fatal("cancelled run must not assemble")
	}
}

func TestGenerateChapterResumesFromStore(t *testing.T) {
	cfg := testConfig(t)
	syn := stubSynth{fn: func(_ context.Context, req synth.Request) ([]byte, error) {
		if strings.Contains(req.Text, "FAIL") {
			return nil, errors.New("backend refused")
		}
		return silentWAV(22050, 1, 0.5), nil
	}}
	m, store := testManager(t, cfg, syn)

	// A previous interrupted run already persisted segment 0.
	if err := store.PutSegments(context.Background(), "book-1", "ch-1", []segstore.Segment{{
		ID:       "seg-a",
		Index:    0,
		Audio:    silentWAV(22050, 1, 2.0),
		Format:   "wav",
		Duration: 2.0,
	}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	res, err := m.GenerateChapter(context.Background(), protocol.GenerateRequest{
		BookID:    "book-1",
		ChapterID: "ch-1",
		Segments:  segments("FAIL again", "fresh"),
	}, Callbacks{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// The run fails index 0, but the stored copy fills the gap.
	if math.Abs(res.Duration-2.5) > 0.01 {
		t.Fatalf("expected ~2.5s (2.0 stored + 0.5 fresh), got %f", res.Duration)
	}
	if !res.Assembled {
		t.Fatal("expected assembly including carried-over segment")
	}
}

func TestGenerateChapterRejectsEmptyInput(t *testing.T) {
	cfg := testConfig(t)
	m, _ := testManager(t, cfg, stubSynth{fn: func(context.Context, synth.Request) ([]byte, error) {
		return nil, errors.New("unreachable")
	}})

	if _, err := m.GenerateChapter(context.Background(), protocol.GenerateRequest{
		BookID:    "book-1",
		ChapterID: "ch-1",
	}, Callbacks{}); err == nil {
		t.Fatal("expected error for chapter without segments")
	}
}

func TestExportBookJoinsAssembledChapters(t *testing.T) {
	cfg := testConfig(t)
	m, store := testManager(t, cfg, stubSynth{fn: func(context.Context, synth.Request) ([]byte, error) {
		return nil, errors.New("unused")
	}})

	for i, chapterID := range []string{"ch-1", "ch-2"} {
		if err := store.PutAssembled(context.Background(), segstore.Assembled{
			BookID:    "book-1",
			ChapterID: chapterID,
			Format:    "wav",
			Audio:     silentWAV(22050, 1, float64(i+1)),
			Duration:  float64(i + 1),
		}); err != nil {
			t.Fatalf("seed chapter %s: %v", chapterID, err)
		}
	}

	art, err := m.ExportBook(context.Background(), protocol.ExportRequest{
		BookID:     "book-1",
		ChapterIDs: []string{"ch-1", "ch-2"},
		Format:     "wav",
		Title:      "A Book",
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if math.Abs(art.Duration-3.0) > 1e-9 {
		t.Fatalf("expected 3.0s total, got %f", art.Duration)
	}
	d := wav.Measure(art.Audio)
	if math.Abs(d.Seconds-3.0) > 0.01 {
		t.Fatalf("expected ~3.0s artifact, got %f", d.Seconds)
	}

	stored, err := store.GetAssembled(context.Background(), "book-1", BookArtifactID)
	if err != nil {
		t.Fatalf("get book artifact: %v", err)
	}
	if stored == nil {
		t.Fatal("expected persisted book artifact")
	}
}

func TestExportBookMissingChapterFails(t *testing.T) {
	cfg := testConfig(t)
	m, _ := testManager(t, cfg, stubSynth{fn: func(context.Context, synth.Request) ([]byte, error) {
		return nil, errors.New("unused")
	}})

	if _, err := m.ExportBook(context.Background(), protocol.ExportRequest{
		BookID:     "book-1",
		ChapterIDs: []string{"ch-missing"},
	}); err == nil {
		t.Fatal("expected error for missing chapter artifact")
	}
}

func TestSetParallelismIgnoresInvalidValues(t *testing.T) {
	cfg := testConfig(t)
	m, _ := testManager(t, cfg, stubSynth{fn: func(context.Context, synth.Request) ([]byte, error) {
		return nil, errors.New("unused")
	}})

	if m.Parallelism() != cfg.Scheduler.Parallelism {
		t.Fatalf("expected configured parallelism %d, got %d", cfg.Scheduler.Parallelism, m.Parallelism())
	}
	m.SetParallelism(4)
	if m.Parallelism() != 4 {
		t.Fatalf("expected 4, got %d", m.Parallelism())
	}
	m.SetParallelism(0)
	if m.Parallelism() != 4 {
		t.Fatalf("expected invalid value to be ignored, got %d", m.Parallelism())
	}
}
