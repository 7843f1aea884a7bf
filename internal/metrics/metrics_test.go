package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordPageRequest_CountsByStatus はステータス別にページリクエストが数えられることを検証する。
func TestRecordPageRequest_CountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPageRequest("whoop.sleeps", 200, 10*time.Millisecond)
	c.RecordPageRequest("whoop.sleeps", 200, 20*time.Millisecond)
	c.RecordPageRequest("whoop.sleeps", 429, 5*time.Millisecond)

	ok := findMetric(t, reg, "healthsync_page_requests_total", map[string]string{"resource": "whoop.sleeps", "status_code": "200"})
	if v := ok.GetCounter().GetValue(); v != 2 {
		t.Errorf("200 count = %v, want 2", v)
	}
	limited := findMetric(t, reg, "healthsync_page_requests_total", map[string]string{"status_code": "429"})
	if v := limited.GetCounter().GetValue(); v != 1 {
		t.Errorf("429 count = %v, want 1", v)
	}
	latency := findMetric(t, reg, "healthsync_page_latency_seconds", nil)
	if n := latency.GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("latency samples = %d, want 3", n)
	}
}

// TestRecordTransformBatch_AddsRowsAndSkips は変換バッチの行数とスキップ数が加算されることを検証する。
func TestRecordTransformBatch_AddsRowsAndSkips(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransformBatch("sleep_sessions/whoop.sleeps", 10, 1)
	c.RecordTransformBatch("sleep_sessions/whoop.sleeps", 5, 0)

	rows := findMetric(t, reg, "healthsync_canonical_rows_total", nil)
	if v := rows.GetCounter().GetValue(); v != 15 {
		t.Errorf("rows = %v, want 15", v)
	}
	skips := findMetric(t, reg, "healthsync_mapping_skips_total", nil)
	if v := skips.GetCounter().GetValue(); v != 1 {
		t.Errorf("skips = %v, want 1", v)
	}
}

// TestRecordIngestRun_CountsByStatus は取り込み結果が記録されることを検証する。
func TestRecordIngestRun_CountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngestRun("whoop.cycles", "success")
	c.RecordIngestRun("whoop.cycles", "error")
	c.RecordRecordsUpserted("whoop.cycles", 7)
	c.RecordRawDeleted("whoop.cycles", 3)
	c.RecordRetry("whoop.cycles", "rate_limited")

	m := findMetric(t, reg, "healthsync_ingest_runs_total", map[string]string{"status": "error"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("error runs = %v, want 1", v)
	}
	up := findMetric(t, reg, "healthsync_raw_records_upserted_total", nil)
	if v := up.GetCounter().GetValue(); v != 7 {
		t.Errorf("upserted = %v, want 7", v)
	}
}

// TestPush_SendsToGateway はPushgatewayへメトリクスが送信されることを検証する。
func TestPush_SendsToGateway(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordIngestRun("whoop.cycles", "success")

	if err := Push(context.Background(), srv.URL, "healthsync", reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotPath, "/metrics/job/healthsync") {
		t.Errorf("path = %q, want job path", gotPath)
	}
	if gotBody == "" {
		t.Error("expected metrics body")
	}
}

// TestPush_EmptyURLIsNoop はURL未設定時に何もしないことを検証する。
func TestPush_EmptyURLIsNoop(t *testing.T) {
	if err := Push(context.Background(), "", "healthsync", prometheus.NewRegistry()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
