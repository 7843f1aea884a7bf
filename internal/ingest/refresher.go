package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hitoshi/healthsync/internal/metrics"
	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
	"github.com/hitoshi/healthsync/internal/whoop"
	"github.com/hitoshi/healthsync/internal/worker/fetch"
)

// Locker はリソース単位の排他ロック。
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Refresher はウィンドウ内の生データを削除してから再取得する。
// 上流で修正・取り消しされたレコードをウィンドウ単位で一致させる。
type Refresher struct {
	ingester *Ingester
	raw      repository.RawRepository
	locker   Locker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewRefresher はRefresherを生成する。
func NewRefresher(ingester *Ingester, raw repository.RawRepository, locker Locker, collector metrics.MetricsCollector, logger *slog.Logger) *Refresher {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		ingester: ingester,
		raw:      raw,
		locker:   locker,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// DailyRefresh は [前日 00:00 UTC, 当日 00:00 UTC) のウィンドウでリフレッシュする。
func (r *Refresher) DailyRefresh(ctx context.Context, resources []whoop.Resource) ([]*model.IngestResult, error) {
	return r.RangedRefresh(ctx, model.DailyWindow(r.now()), resources)
}

// RangedRefresh は指定ウィンドウで削除と再取得を行う。
// 同じリソースのリフレッシュが実行中の場合はそのリソースをRefreshLockedで失敗させる。
func (r *Refresher) RangedRefresh(ctx context.Context, window model.RefreshWindow, resources []whoop.Resource) ([]*model.IngestResult, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("invalid refresh window %s: start must be before end", window)
	}
	for _, res := range resources {
		if !res.Windowed {
			return nil, fmt.Errorf("resource %s does not support windowed refresh", res.Name)
		}
	}

	r.logger.Info("refresh started",
		slog.Time("window_start", window.Start),
		slog.Time("window_end", window.End),
		slog.Int("resource_count", len(resources)),
	)

	runID := uuid.New().String()
	jobs := make([]*refreshJob, len(resources))
	for n, res := range resources {
		jobs[n] = &refreshJob{res: res}
	}
	defer func() {
		for _, j := range jobs {
			j.unlock()
		}
	}()

	// 削除はすべての再取得より前に依存順で行う。
	// リカバリーの削除範囲はサイクルの行から決まるため、サイクルより先に削除する。
	for _, j := range deleteOrder(jobs) {
		r.clear(ctx, runID, j, window)
	}

	results := make([]*model.IngestResult, len(resources))
	tasks := make([]fetch.Task, len(resources))
	for n, j := range jobs {
		tasks[n] = fetch.Task{
			Name: string(j.res.Type),
			Run: func(ctx context.Context) error {
				defer j.unlock()
				if j.failed != nil {
					results[n] = j.failed
					return j.failed.Err
				}
				start, end := window.Start, window.End
				records := r.ingester.whoopRecords(ctx, j.res, &start, &end)
				results[n] = r.ingester.ingestRecordsWithDeleted(ctx, runID, j.res.Type, &window, j.deleted, records)
				return results[n].Err
			},
		}
	}
	return results, r.ingester.runTasks(ctx, tasks, results, resources, runID)
}

// refreshJob は1リソース分のリフレッシュの状態。
// ロックは削除から再取得の完了まで保持する。
type refreshJob struct {
	res     whoop.Resource
	mu      sync.Mutex
	release func()
	deleted int64
	failed  *model.IngestResult
}

func (j *refreshJob) unlock() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.release != nil {
		j.release()
		j.release = nil
	}
}

// deleteOrder は親リソースでウィンドウを判定するリソースを先頭に並べる。
func deleteOrder(jobs []*refreshJob) []*refreshJob {
	ordered := slices.Clone(jobs)
	slices.SortStableFunc(ordered, func(a, b *refreshJob) int {
		_, aChild := model.WindowParent(a.res.Type)
		_, bChild := model.WindowParent(b.res.Type)
		switch {
		case aChild && !bChild:
			return -1
		case !aChild && bChild:
			return 1
		default:
			return 0
		}
	})
	return ordered
}

// clear は1リソースのロックを取得してウィンドウ内の生データを削除する。
// 失敗した場合はjob.failedに結果を設定し、再取得は行わない。
func (r *Refresher) clear(ctx context.Context, runID string, j *refreshJob, window model.RefreshWindow) {
	release, ok, err := r.locker.TryLock(ctx, model.RefreshLockKey(j.res.Type))
	if err != nil {
		j.failed = r.failed(ctx, runID, j.res.Type, window, fmt.Errorf("failed to lock %s: %w", j.res.Type, err))
		return
	}
	if !ok {
		j.failed = r.failed(ctx, runID, j.res.Type, window, model.NewRefreshLockedError(j.res.Type, window))
		return
	}
	j.release = release

	deleted, err := r.raw.DeleteRange(ctx, j.res.Type, window)
	if err != nil {
		j.failed = r.failed(ctx, runID, j.res.Type, window, fmt.Errorf("failed to delete %s in %s: %w", j.res.Type, window, err))
		j.unlock()
		return
	}
	j.deleted = deleted
	r.metrics.RecordRawDeleted(string(j.res.Type), deleted)
	r.logger.Info("window cleared",
		slog.String("resource", string(j.res.Type)),
		slog.Time("window_start", window.Start),
		slog.Time("window_end", window.End),
		slog.Int64("deleted", deleted),
	)
}

func (r *Refresher) failed(ctx context.Context, runID string, resource model.ResourceType, window model.RefreshWindow, err error) *model.IngestResult {
	now := r.now().UTC()
	result := &model.IngestResult{
		RunID:     runID,
		Resource:  resource,
		Window:    &window,
		StartedAt: now,
		Err:       err,
	}
	return r.ingester.finish(ctx, noop.Span{}, result)
}
