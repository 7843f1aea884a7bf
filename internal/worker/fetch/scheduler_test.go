package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunAll_RespectsConcurrency(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewJSONHandler(io.Discard, nil)), 2)

	var running, peak atomic.Int32
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{Name: "t", Run: func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}}
	}

	errs := s.RunAll(context.Background(), tasks)
	for i, err := range errs {
		if err != nil {
			t.Errorf("task %d: %v", i, err)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestScheduler_RunAll_FailureIsIsolated(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewJSONHandler(io.Discard, nil)), 1)
	boom := errors.New("boom")

	var ran atomic.Int32
	errs := s.RunAll(context.Background(), []Task{
		{Name: "a", Run: func(context.Context) error { ran.Add(1); return boom }},
		{Name: "b", Run: func(context.Context) error { ran.Add(1); return nil }},
	})
	if !errors.Is(errs[0], boom) || errs[1] != nil {
		t.Errorf("errs = %v", errs)
	}
	if ran.Load() != 2 {
		t.Errorf("ran = %d, want 2", ran.Load())
	}
}

func TestScheduler_RunAll_StopOnCancelsRemaining(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewJSONHandler(io.Discard, nil)), 1)
	fatal := errors.New("fatal")
	s.StopOn = func(err error) bool { return errors.Is(err, fatal) }

	var ran atomic.Int32
	errs := s.RunAll(context.Background(), []Task{
		{Name: "a", Run: func(context.Context) error { ran.Add(1); return fatal }},
		{Name: "b", Run: func(context.Context) error { ran.Add(1); return nil }},
	})
	if ran.Load() != 1 {
		t.Errorf("ran = %d, want 1", ran.Load())
	}
	if !errors.Is(errs[1], context.Canceled) {
		t.Errorf("errs[1] = %v, want context.Canceled", errs[1])
	}
}
