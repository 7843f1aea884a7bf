// Package transform は生データレイヤーから統合レイヤーへの増分変換を提供する。
// ウォーターマークより新しい生データだけを読み、サロゲートキーで冪等にupsertする。
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/healthsync/internal/metrics"
	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
)

// DefaultBatchSize は1トランザクションで処理する生データの既定件数。
const DefaultBatchSize = 500

// PipelineResult は1パイプラインの実行結果。
type PipelineResult struct {
	Pipeline  string
	Table     model.CanonicalTable
	Read      int
	Written   int
	Skipped   int
	Batches   int
	Watermark *time.Time
}

// Locker はリソース単位の排他ロック。
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Engine は増分変換を実行する。
type Engine struct {
	raw       repository.RawRepository
	canonical repository.CanonicalRepository
	locker    Locker
	pipelines []Pipeline
	batchSize int
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewEngine はEngineを生成する。batchSizeが0以下の場合はDefaultBatchSizeを使う。
// lockerを指定した場合、各パイプラインは読み込むリソースのリフレッシュと同じロックを取得してから実行する。
func NewEngine(
	raw repository.RawRepository,
	canonical repository.CanonicalRepository,
	pipelines []Pipeline,
	batchSize int,
	locker Locker,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		raw:       raw,
		canonical: canonical,
		locker:    locker,
		pipelines: pipelines,
		batchSize: batchSize,
		metrics:   collector,
		logger:    logger,
		tracer:    otel.Tracer("github.com/hitoshi/healthsync/internal/transform"),
	}
}

// Tables はEngineが扱う統合テーブルを返す。
func (e *Engine) Tables() []model.CanonicalTable {
	return Tables(e.pipelines)
}

// Run は統合テーブルに紐づくすべてのパイプラインを増分実行する。
// 1つのパイプラインの失敗は他のパイプラインの実行を妨げない。
func (e *Engine) Run(ctx context.Context, table model.CanonicalTable) ([]*PipelineResult, error) {
	var (
		results []*PipelineResult
		errs    []error
		found   bool
	)
	for _, p := range e.pipelines {
		if p.Table != table {
			continue
		}
		found = true
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := e.runPipeline(ctx, p)
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if !found {
		return nil, fmt.Errorf("no pipeline for canonical table %s", table)
	}
	return results, errors.Join(errs...)
}

// Rebuild はテーブルを増分実行する。fullの場合はウォーターマークを消して全件を再導出する。
func (e *Engine) Rebuild(ctx context.Context, table model.CanonicalTable, full bool) ([]*PipelineResult, error) {
	if full {
		if err := e.canonical.ResetWatermarks(ctx, table); err != nil {
			return nil, err
		}
		e.logger.Info("watermarks cleared", slog.String("canonical_table", string(table)))
	}
	return e.Run(ctx, table)
}

// RunAll はすべての統合テーブルを順に実行する。
func (e *Engine) RunAll(ctx context.Context, full bool) ([]*PipelineResult, error) {
	var (
		results []*PipelineResult
		errs    []error
	)
	for _, table := range e.Tables() {
		r, err := e.Rebuild(ctx, table, full)
		results = append(results, r...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// runPipeline はウォーターマークより新しい生データをバッチ単位で変換する。
// バッチごとに統合レコードとウォーターマークを同じトランザクションで書き込むため、
// 失敗した場合は直前のバッチまでの位置から再実行される。
func (e *Engine) runPipeline(ctx context.Context, p Pipeline) (*PipelineResult, error) {
	name := p.Name()
	ctx, span := e.tracer.Start(ctx, "transform.pipeline",
		trace.WithAttributes(
			attribute.String("healthsync.pipeline", name),
			attribute.String("healthsync.canonical_table", string(p.Table)),
		),
	)
	defer span.End()

	started := time.Now()
	result := &PipelineResult{Pipeline: name, Table: p.Table}

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, model.RefreshLockKey(p.Resource))
		if err != nil {
			return result, e.fail(span, result, fmt.Errorf("failed to lock %s: %w", p.Resource, err))
		}
		if !ok {
			return result, e.fail(span, result, model.NewTransformLockedError(p.Resource))
		}
		defer release()
	}

	wm, err := e.canonical.GetWatermark(ctx, name)
	if err != nil {
		return result, e.fail(span, result, fmt.Errorf("failed to read watermark %s: %w", name, err))
	}
	var after *time.Time
	if wm != nil {
		after = wm.MaxSeen
	}
	result.Watermark = after

	for {
		if err := ctx.Err(); err != nil {
			return result, e.fail(span, result, err)
		}

		rows, full, err := e.nextBatch(ctx, p.Resource, after)
		if err != nil {
			return result, e.fail(span, result, fmt.Errorf("failed to read %s: %w", p.Resource, err))
		}
		if len(rows) == 0 {
			break
		}

		records, skipped, err := e.mapBatch(p, rows)
		if err != nil {
			return result, e.fail(span, result, err)
		}

		maxSeen := rows[len(rows)-1].StartTime.UTC()
		if err := e.canonical.CommitBatch(ctx, &repository.CanonicalBatch{
			Pipeline: name,
			Table:    p.Table,
			Records:  records,
			MaxSeen:  &maxSeen,
		}); err != nil {
			return result, e.fail(span, result, fmt.Errorf("failed to commit batch for %s: %w", name, err))
		}

		result.Read += len(rows)
		result.Written += len(records)
		result.Skipped += skipped
		result.Batches++
		result.Watermark = &maxSeen
		after = &maxSeen
		e.metrics.RecordTransformBatch(name, len(records), skipped)

		if !full {
			break
		}
	}

	// 主タイムスタンプの無い行はウォーターマークで選択できないため、毎回スキップとして数える
	missing, err := e.raw.CountMissingStart(ctx, p.Resource)
	if err != nil {
		return result, e.fail(span, result, fmt.Errorf("failed to count %s rows without start time: %w", p.Resource, err))
	}
	if missing > 0 {
		result.Skipped += int(missing)
		e.logger.Warn("raw rows without primary timestamp skipped",
			slog.String("pipeline", name),
			slog.String("resource", string(p.Resource)),
			slog.Int64("count", missing),
		)
	}

	span.SetAttributes(
		attribute.Int("healthsync.read", result.Read),
		attribute.Int("healthsync.written", result.Written),
		attribute.Int("healthsync.skipped", result.Skipped),
	)
	attrs := []any{
		slog.String("pipeline", name),
		slog.String("canonical_table", string(p.Table)),
		slog.Int("read", result.Read),
		slog.Int("written", result.Written),
		slog.Int("skipped", result.Skipped),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	}
	if result.Watermark != nil {
		attrs = append(attrs, slog.Time("watermark", *result.Watermark))
	}
	e.logger.Info("pipeline completed", attrs...)
	return result, nil
}

// nextBatch はafterより新しい生データを最大batchSize件読む。
// 末尾の時刻と同じ時刻のレコードが次のバッチに分かれると
// ウォーターマークで読み飛ばされるため、末尾の時刻のレコードはすべて同じバッチに含める。
// fullは続きのバッチがあり得るかを返す。
func (e *Engine) nextBatch(ctx context.Context, resource model.ResourceType, after *time.Time) ([]*model.RawRecord, bool, error) {
	rows, err := e.raw.ListAfter(ctx, resource, after, e.batchSize)
	if err != nil {
		return nil, false, err
	}
	if len(rows) < e.batchSize {
		return rows, false, nil
	}

	last := rows[len(rows)-1].StartTime.UTC()
	tied, err := e.raw.ListAt(ctx, resource, last)
	if err != nil {
		return nil, false, err
	}
	n := len(rows)
	for n > 0 && rows[n-1].StartTime.Equal(last) {
		n--
	}
	return append(rows[:n], tied...), true, nil
}

// mapBatch はバッチ内のレコードを変換する。
// MappingSkipは件数を数えて読み飛ばし、それ以外のエラーはバッチ全体を失敗させる。
func (e *Engine) mapBatch(p Pipeline, rows []*model.RawRecord) ([]*model.CanonicalRecord, int, error) {
	var (
		out     []*model.CanonicalRecord
		skipped int
	)
	for _, row := range rows {
		records, err := p.Map(row)
		if err != nil {
			if model.IsMappingSkip(err) {
				skipped++
				e.logger.Warn("record skipped",
					slog.String("pipeline", p.Name()),
					slog.String("natural_id", row.NaturalID),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil, 0, fmt.Errorf("failed to map %s %s: %w", row.ResourceType, row.NaturalID, err)
		}
		out = append(out, records...)
	}
	return out, skipped, nil
}

func (e *Engine) fail(span trace.Span, result *PipelineResult, err error) error {
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("pipeline failed",
		slog.String("pipeline", result.Pipeline),
		slog.String("canonical_table", string(result.Table)),
		slog.Int("read", result.Read),
		slog.String("error", err.Error()),
	)
	return err
}
