// Package ingest は取得したレコードの生データレイヤーへの取り込みと、
// ウィンドウ単位の削除・再取得（リフレッシュ）を提供する。
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/healthsync/internal/metrics"
	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
	"github.com/hitoshi/healthsync/internal/whoop"
	"github.com/hitoshi/healthsync/internal/worker/fetch"
)

// CollectionFetcher はAPIからのページング取得のインターフェース。
type CollectionFetcher interface {
	FetchCollection(ctx context.Context, req fetch.CollectionRequest) iter.Seq2[json.RawMessage, error]
	FetchOne(ctx context.Context, resource model.ResourceType, path string) (json.RawMessage, error)
}

// RecordSource はファイルなどAPI以外の取得元のインターフェース。
// RawRecordの形に変換済みのレコードを返す。
type RecordSource interface {
	Records(ctx context.Context, path string, resource model.ResourceType, since, until *time.Time) iter.Seq2[*model.RawRecord, error]
}

// Ingester はレコードを取得して生データテーブルにupsertする。
type Ingester struct {
	fetcher        CollectionFetcher
	raw            repository.RawRepository
	runs           repository.IngestRunRepository
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	tracer         trace.Tracer
	maxConcurrency int
	now            func() time.Time
}

// NewIngester はIngesterを生成する。runsがnilの場合は実行履歴を記録しない。
func NewIngester(
	fetcher CollectionFetcher,
	raw repository.RawRepository,
	runs repository.IngestRunRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Ingester {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		fetcher:        fetcher,
		raw:            raw,
		runs:           runs,
		metrics:        collector,
		logger:         logger,
		tracer:         otel.Tracer("github.com/hitoshi/healthsync/internal/ingest"),
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// IngestAll は複数のリソースを並列に取り込む。
// 1つのリソースの失敗は他のリソースに影響しないが、認証エラーの場合は残りを中止する。
// 返すエラーは失敗したリソースのエラーをまとめたもの。
func (i *Ingester) IngestAll(ctx context.Context, resources []whoop.Resource, since, until *time.Time) ([]*model.IngestResult, error) {
	runID := uuid.New().String()
	results := make([]*model.IngestResult, len(resources))
	tasks := make([]fetch.Task, len(resources))
	for n, res := range resources {
		tasks[n] = fetch.Task{
			Name: string(res.Type),
			Run: func(ctx context.Context) error {
				results[n] = i.IngestResource(ctx, runID, res, since, until)
				return results[n].Err
			},
		}
	}
	return results, i.runTasks(ctx, tasks, results, resources, runID)
}

// IngestResource は1リソースを取得して取り込む。
// 期間指定はウィンドウ対応リソースにのみ適用する。
func (i *Ingester) IngestResource(ctx context.Context, runID string, res whoop.Resource, since, until *time.Time) *model.IngestResult {
	if !res.Windowed {
		since, until = nil, nil
	}
	return i.ingestRecords(ctx, runID, res.Type, windowOf(since, until), i.whoopRecords(ctx, res, since, until))
}

// IngestSource はファイルなどの取得元からリソースを順に取り込む。
func (i *Ingester) IngestSource(ctx context.Context, src RecordSource, path string, resources []model.ResourceType, since, until *time.Time) ([]*model.IngestResult, error) {
	runID := uuid.New().String()
	var (
		results []*model.IngestResult
		errs    []error
	)
	for _, resource := range resources {
		window := windowOf(since, until)
		if resource == model.ResourceQuestPatient {
			window = nil
		}
		result := i.ingestRecords(ctx, runID, resource, window, src.Records(ctx, path, resource, since, until))
		results = append(results, result)
		if result.Err != nil {
			errs = append(errs, result.Err)
			if model.KindOf(result.Err) == model.KindAuthentication || ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

// whoopRecords はAPIのペイロードをRawRecordに変換しながら列挙する。
// 変換できないレコードは警告を出して読み飛ばす。
func (i *Ingester) whoopRecords(ctx context.Context, res whoop.Resource, since, until *time.Time) iter.Seq2[*model.RawRecord, error] {
	return func(yield func(*model.RawRecord, error) bool) {
		emit := func(payload json.RawMessage) bool {
			rec, err := res.Extract(payload, i.now())
			if err != nil {
				i.logger.Warn("skipping record that cannot be extracted",
					slog.String("resource", string(res.Type)),
					slog.String("error", err.Error()),
				)
				return true
			}
			return yield(rec, nil)
		}

		if !res.Paginated {
			payload, err := i.fetcher.FetchOne(ctx, res.Type, res.Path)
			if err != nil {
				yield(nil, err)
				return
			}
			emit(payload)
			return
		}

		req := fetch.CollectionRequest{Resource: res.Type, Path: res.Path, Since: since, Until: until}
		for payload, err := range i.fetcher.FetchCollection(ctx, req) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !emit(payload) {
				return
			}
		}
	}
}

// ingestRecords はレコードを1件ずつupsertし、結果を記録する。
// 失敗時も既にupsertしたレコードはそのまま有効である。
func (i *Ingester) ingestRecords(ctx context.Context, runID string, resource model.ResourceType, window *model.RefreshWindow, records iter.Seq2[*model.RawRecord, error]) *model.IngestResult {
	return i.ingestRecordsWithDeleted(ctx, runID, resource, window, 0, records)
}

// ingestRecordsWithDeleted はリフレッシュで削除した件数を結果に含めて取り込む。
func (i *Ingester) ingestRecordsWithDeleted(ctx context.Context, runID string, resource model.ResourceType, window *model.RefreshWindow, deleted int64, records iter.Seq2[*model.RawRecord, error]) *model.IngestResult {
	ctx, span := i.tracer.Start(ctx, "ingest.resource",
		trace.WithAttributes(attribute.String("healthsync.resource", string(resource))),
	)
	defer span.End()

	result := &model.IngestResult{
		RunID:     runID,
		Resource:  resource,
		Window:    window,
		Deleted:   deleted,
		StartedAt: i.now().UTC(),
	}

	for rec, err := range records {
		if err != nil {
			result.Err = err
			break
		}
		result.Fetched++
		if err := i.raw.Upsert(ctx, rec); err != nil {
			result.Err = fmt.Errorf("failed to upsert %s %s: %w", resource, rec.NaturalID, err)
			break
		}
		result.Stored++
	}

	return i.finish(ctx, span, result)
}

// finish は結果を確定させ、ログ・メトリクス・実行履歴に記録する。
func (i *Ingester) finish(ctx context.Context, span trace.Span, result *model.IngestResult) *model.IngestResult {
	result.FinishedAt = i.now().UTC()
	result.Status = model.IngestStatusSuccess
	if result.Err != nil {
		result.Status = model.IngestStatusError
		var ie *model.IngestError
		if errors.As(result.Err, &ie) {
			result.Err = ie.WithContext(result.Resource, result.Window)
		}
	}

	span.SetAttributes(
		attribute.Int("healthsync.fetched", result.Fetched),
		attribute.Int("healthsync.stored", result.Stored),
	)
	attrs := []any{
		slog.String("run_id", result.RunID),
		slog.String("resource", string(result.Resource)),
		slog.Int("fetched", result.Fetched),
		slog.Int("stored", result.Stored),
		slog.Int64("deleted", result.Deleted),
		slog.Float64("duration_ms", float64(result.FinishedAt.Sub(result.StartedAt).Milliseconds())),
	}
	if result.Window != nil {
		attrs = append(attrs,
			slog.Time("window_start", result.Window.Start),
			slog.Time("window_end", result.Window.End),
		)
	}
	if result.Err != nil {
		span.SetStatus(codes.Error, result.Err.Error())
		i.logger.Error("resource ingestion failed", append(attrs, slog.String("error", result.Err.Error()))...)
	} else {
		i.logger.Info("resource ingested", attrs...)
	}

	i.metrics.RecordRecordsUpserted(string(result.Resource), result.Stored)
	i.metrics.RecordIngestRun(string(result.Resource), string(result.Status))

	if i.runs != nil {
		// 呼び出し元がキャンセルされても履歴は残す
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := i.runs.Record(recCtx, result); err != nil {
			i.logger.Warn("failed to record ingest run",
				slog.String("resource", string(result.Resource)),
				slog.String("error", err.Error()),
			)
		}
	}
	return result
}

// runTasks はタスクを並列実行し、実行されなかったタスクにも結果を割り当てる。
func (i *Ingester) runTasks(ctx context.Context, tasks []fetch.Task, results []*model.IngestResult, resources []whoop.Resource, runID string) error {
	scheduler := fetch.NewScheduler(i.logger, i.maxConcurrency)
	scheduler.StopOn = func(err error) bool {
		return model.KindOf(err) == model.KindAuthentication
	}
	errs := scheduler.RunAll(ctx, tasks)

	var failed []error
	for n, err := range errs {
		if results[n] == nil {
			now := i.now().UTC()
			results[n] = &model.IngestResult{
				RunID:      runID,
				Resource:   resources[n].Type,
				StartedAt:  now,
				FinishedAt: now,
				Status:     model.IngestStatusError,
				Err:        err,
			}
		}
		if err != nil {
			failed = append(failed, results[n].Err)
		}
	}
	return errors.Join(failed...)
}

func windowOf(since, until *time.Time) *model.RefreshWindow {
	if since == nil || until == nil {
		return nil
	}
	return &model.RefreshWindow{Start: since.UTC(), End: until.UTC()}
}
