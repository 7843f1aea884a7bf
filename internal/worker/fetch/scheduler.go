package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task はスケジューラで実行する1リソース分の処理。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler は独立したリソースの取り込みを並列に実行する。
// semaphoreパターンで最大並列数を制御し、1つのリソースの失敗は他に影響しない。
type Scheduler struct {
	logger         *slog.Logger
	maxConcurrency int
	// StopOn がtrueを返すエラーが発生した場合、未完了のタスクをキャンセルする。
	StopOn func(error) bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合は1（逐次実行）とする。
func NewScheduler(logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// RunAll はタスクを並列に実行し、tasksと同じ順序でエラーを返す。
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task) []error {
	start := time.Now()
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			wg.Done()
			continue
		}

		go func(i int, task Task) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			err := task.Run(ctx)
			errs[i] = err
			if err != nil {
				s.logger.Error("task failed",
					slog.String("resource", task.Name),
					slog.String("error", err.Error()),
				)
				if s.StopOn != nil && s.StopOn(err) {
					cancel()
				}
			}
		}(i, task)
	}

	wg.Wait()

	s.logger.Info("tasks completed",
		slog.Int("task_count", len(tasks)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errs
}
