// Package metrics はPrometheusメトリクスの収集とPushgatewayへの送信を提供する。
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチャー、取り込み処理、変換エンジンから利用する。
type MetricsCollector interface {
	RecordPageRequest(resource string, statusCode int, duration time.Duration)
	RecordRetry(resource string, reason string)
	RecordRecordsUpserted(resource string, count int)
	RecordRawDeleted(resource string, count int64)
	RecordIngestRun(resource string, status string)
	RecordTransformBatch(pipeline string, rows int, skipped int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pageRequests    *prometheus.CounterVec
	pageLatency     prometheus.Histogram
	retries         *prometheus.CounterVec
	recordsUpserted *prometheus.CounterVec
	rawDeleted      *prometheus.CounterVec
	ingestRuns      *prometheus.CounterVec
	canonicalRows   *prometheus.CounterVec
	mappingSkips    *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_page_requests_total",
			Help: "リソース・HTTPステータス別のページリクエスト数",
		}, []string{"resource", "status_code"}),
		pageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthsync_page_latency_seconds",
			Help:    "ページリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_fetch_retries_total",
			Help: "理由別のページ再試行数",
		}, []string{"resource", "reason"}),
		recordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_raw_records_upserted_total",
			Help: "生データテーブルにアップサートされたレコード数",
		}, []string{"resource"}),
		rawDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_raw_records_deleted_total",
			Help: "ウィンドウリフレッシュで削除されたレコード数",
		}, []string{"resource"}),
		ingestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_ingest_runs_total",
			Help: "リソース・結果別の取り込み実行数",
		}, []string{"resource", "status"}),
		canonicalRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_canonical_rows_total",
			Help: "パイプライン別の統合レイヤー書き込み行数",
		}, []string{"pipeline"}),
		mappingSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_mapping_skips_total",
			Help: "パイプライン別の変換スキップ数",
		}, []string{"pipeline"}),
	}

	reg.MustRegister(
		c.pageRequests,
		c.pageLatency,
		c.retries,
		c.recordsUpserted,
		c.rawDeleted,
		c.ingestRuns,
		c.canonicalRows,
		c.mappingSkips,
	)

	return c
}

// RecordPageRequest はページリクエストのステータスとレイテンシを記録する。
// 通信エラーはステータス0として記録する。
func (c *Collector) RecordPageRequest(resource string, statusCode int, duration time.Duration) {
	c.pageRequests.WithLabelValues(resource, strconv.Itoa(statusCode)).Inc()
	c.pageLatency.Observe(duration.Seconds())
}

// RecordRetry はページ再試行を記録する。
func (c *Collector) RecordRetry(resource string, reason string) {
	c.retries.WithLabelValues(resource, reason).Inc()
}

// RecordRecordsUpserted はアップサート件数を記録する。
func (c *Collector) RecordRecordsUpserted(resource string, count int) {
	c.recordsUpserted.WithLabelValues(resource).Add(float64(count))
}

// RecordRawDeleted はウィンドウ削除件数を記録する。
func (c *Collector) RecordRawDeleted(resource string, count int64) {
	c.rawDeleted.WithLabelValues(resource).Add(float64(count))
}

// RecordIngestRun は取り込み実行の結果を記録する。
func (c *Collector) RecordIngestRun(resource string, status string) {
	c.ingestRuns.WithLabelValues(resource, status).Inc()
}

// RecordTransformBatch は変換バッチの書き込み行数とスキップ数を記録する。
func (c *Collector) RecordTransformBatch(pipeline string, rows int, skipped int) {
	c.canonicalRows.WithLabelValues(pipeline).Add(float64(rows))
	c.mappingSkips.WithLabelValues(pipeline).Add(float64(skipped))
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordPageRequest(string, int, time.Duration) {}
func (NopCollector) RecordRetry(string, string)                   {}
func (NopCollector) RecordRecordsUpserted(string, int)            {}
func (NopCollector) RecordRawDeleted(string, int64)               {}
func (NopCollector) RecordIngestRun(string, string)               {}
func (NopCollector) RecordTransformBatch(string, int, int)        {}

// Push はレジストリの内容をPushgatewayへ送信する。
// gatewayURLが空の場合は何もしない。
func Push(ctx context.Context, gatewayURL, job string, gatherer prometheus.Gatherer) error {
	if gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
