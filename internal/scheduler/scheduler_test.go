package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeSegments(n int) []Segment {
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{Index: i, ID: fmt.Sprintf("seg-%d", i), Text: fmt.Sprintf("sentence %d", i)}
	}
	return segs
}

func okProcess(_ context.Context, seg Segment) (*Processed, error) {
	return &Processed{Segment: seg, Audio: []byte{byte(seg.Index)}, Duration: 1}, nil
}

func TestSequentialBatchesProgress(t *testing.T) {
	var progress [][2]int
	report := Run(context.Background(), makeSegments(3), Options{
		Parallelism: func() int { return 1 },
		Process:     okProcess,
		OnProgress: func(completed, total int) {
			progress = append(progress, [2]int{completed, total})
		},
		Logger: testLogger(),
	})

	if !report.Done() || report.Cancelled {
		t.Fatalf("expected clean completion, got %+v", report)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(progress) != len(want) {
		t.Fatalf("expected %d progress calls, got %v", len(want), progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress call %d: expected %v, got %v", i, want[i], progress[i])
		}
	}
}

func TestFailureDoesNotAbortRun(t *testing.T) {
	report := Run(context.Background(), makeSegments(5), Options{
		Parallelism: func() int { return 2 },
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			if seg.Index == 2 {
				return nil, errors.New("synthesis backend unavailable")
			}
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	if len(report.Processed) != 4 {
		t.Fatalf("expected 4 processed, got %d", len(report.Processed))
	}
	failed := report.FailedIndices()
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("expected failed={2}, got %v", failed)
	}
}

func TestEveryIndexAttemptedExactlyOnce(t *testing.T) {
	const n = 37
	var mu sync.Mutex
	attempts := make(map[int]int)

	parallelisms := []int{1, 3, 2, 5, 1, 4}
	call := 0
	report := Run(context.Background(), makeSegments(n), Options{
		Parallelism: func() int {
			p := parallelisms[call%len(parallelisms)]
			call++
			return p
		},
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			mu.Lock()
			attempts[seg.Index]++
			mu.Unlock()
			if seg.Index%7 == 0 {
				return nil, errors.New("boom")
			}
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	if len(report.Processed)+len(report.Failed) != n {
		t.Fatalf("expected full coverage, got %d+%d", len(report.Processed), len(report.Failed))
	}
	for idx := range report.Processed {
		if _, ok := report.Failed[idx]; ok {
			t.Fatalf("index %d in both processed and failed", idx)
		}
	}
	for idx, count := range attempts {
		if count != 1 {
			t.Fatalf("index %d attempted %d times", idx, count)
		}
	}
}

func TestPriorityJumpIncludedInNextBatch(t *testing.T) {
	jump := NewJump()
	var order []int
	report := Run(context.Background(), makeSegments(6), Options{
		Parallelism: func() int { return 1 },
		Priority:    jump,
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			order = append(order, seg.Index)
			if seg.Index == 0 {
				jump.Request(4)
			}
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	if !report.Done() {
		t.Fatalf("expected completion, got %+v", report)
	}
	if len(order) < 2 || order[0] != 0 || order[1] != 4 {
		t.Fatalf("expected priority target in the very next batch, got order %v", order)
	}
}

func TestPriorityReplacesNotQueues(t *testing.T) {
	jump := NewJump()
	jump.Request(3)
	jump.Request(5) // replaces 3

	var order []int
	Run(context.Background(), makeSegments(6), Options{
		Parallelism: func() int { return 1 },
		Priority:    jump,
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			order = append(order, seg.Index)
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	if order[0] != 5 {
		t.Fatalf("expected replaced priority target 5 first, got %v", order)
	}
}

func TestPriorityForAttemptedIndexDropped(t *testing.T) {
	jump := NewJump()
	var order []int
	Run(context.Background(), makeSegments(3), Options{
		Parallelism: func() int { return 1 },
		Priority:    jump,
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			order = append(order, seg.Index)
			if seg.Index == 0 {
				jump.Request(0) // already in flight, must be dropped
			}
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	want := []int{0, 1, 2}
	for i, idx := range want {
		if order[i] != idx {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestCancellationLeavesPartialCoverage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	attempts := make(map[int]int)

	report := Run(ctx, makeSegments(10), Options{
		Parallelism: func() int { return 2 },
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			mu.Lock()
			attempts[seg.Index]++
			count := len(attempts)
			mu.Unlock()
			if count >= 4 {
				cancel()
			}
			return okProcess(ctx, seg)
		},
		Logger: testLogger(),
	})

	if !report.Cancelled {
		t.Fatal("expected cancelled report")
	}
	if report.Done() {
		t.Fatal("expected partial coverage after cancellation")
	}
	for idx, count := range attempts {
		if count != 1 {
			t.Fatalf("index %d attempted %d times after cancel", idx, count)
		}
	}
}

func TestNilItemMarksProcessedWithoutResult(t *testing.T) {
	resultCalls := 0
	report := Run(context.Background(), makeSegments(3), Options{
		Parallelism: func() int { return 1 },
		Process: func(ctx context.Context, seg Segment) (*Processed, error) {
			if seg.Index == 1 {
				return nil, nil // empty segment, nothing to synthesize
			}
			return okProcess(ctx, seg)
		},
		OnResult: func(ctx context.Context, item *Processed) error {
			resultCalls++
			return nil
		},
		Logger: testLogger(),
	})

	if len(report.Processed) != 3 {
		t.Fatalf("expected all processed, got %+v", report)
	}
	if resultCalls != 2 {
		t.Fatalf("expected 2 result calls, got %d", resultCalls)
	}
}

func TestResultErrorDemotesToFailed(t *testing.T) {
	report := Run(context.Background(), makeSegments(3), Options{
		Parallelism: func() int { return 3 },
		Process:     okProcess,
		OnResult: func(ctx context.Context, item *Processed) error {
			if item.Segment.Index == 1 {
				return errors.New("flush failed")
			}
			return nil
		},
		Logger: testLogger(),
	})

	failed := report.FailedIndices()
	if len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("expected failed={1}, got %v", failed)
	}
	if len(report.Processed) != 2 {
		t.Fatalf("expected 2 processed, got %d", len(report.Processed))
	}
}

func TestMissingSegmentIndexFailsImmediately(t *testing.T) {
	segs := makeSegments(4)
	segs[2] = Segment{Index: 9, ID: "stray", Text: "out of range"}

	report := Run(context.Background(), segs, Options{
		Parallelism: func() int { return 2 },
		Process:     okProcess,
		Logger:      testLogger(),
	})

	if !report.Done() {
		t.Fatalf("expected run to terminate, got %+v", report)
	}
	if _, ok := report.Failed[2]; !ok {
		t.Fatalf("expected hole at index 2 to be failed, got %v", report.FailedIndices())
	}
}
