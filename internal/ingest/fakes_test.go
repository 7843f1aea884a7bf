package ingest

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/worker/fetch"
)

// memRawRepo はテスト用のインメモリRawRepository。
type memRawRepo struct {
	mu        sync.Mutex
	rows      map[model.ResourceType]map[string]model.RawRecord
	upsertErr error
}

func newMemRawRepo() *memRawRepo {
	return &memRawRepo{rows: make(map[model.ResourceType]map[string]model.RawRecord)}
}

func (m *memRawRepo) Upsert(_ context.Context, rec *model.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if m.rows[rec.ResourceType] == nil {
		m.rows[rec.ResourceType] = make(map[string]model.RawRecord)
	}
	m.rows[rec.ResourceType][rec.NaturalID] = *rec
	return nil
}

func (m *memRawRepo) DeleteRange(_ context.Context, resource model.ResourceType, window model.RefreshWindow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 親リソースを持つ場合はnatural_idが同じ親レコードの開始時刻で判定する
	timeOf := func(rec model.RawRecord) *time.Time { return rec.StartTime }
	if parent, ok := model.WindowParent(resource); ok {
		timeOf = func(rec model.RawRecord) *time.Time {
			p, found := m.rows[parent][rec.NaturalID]
			if !found {
				return nil
			}
			return p.StartTime
		}
	}
	var n int64
	for id, rec := range m.rows[resource] {
		if ts := timeOf(rec); ts != nil && window.Contains(*ts) {
			delete(m.rows[resource], id)
			n++
		}
	}
	return n, nil
}

func (m *memRawRepo) sorted(resource model.ResourceType) []model.RawRecord {
	var out []model.RawRecord
	for _, rec := range m.rows[resource] {
		if rec.StartTime != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(*out[j].StartTime) {
			return out[i].StartTime.Before(*out[j].StartTime)
		}
		return out[i].NaturalID < out[j].NaturalID
	})
	return out
}

func (m *memRawRepo) ListAfter(_ context.Context, resource model.ResourceType, after *time.Time, limit int) ([]*model.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.RawRecord
	for _, rec := range m.sorted(resource) {
		if after != nil && !rec.StartTime.After(*after) {
			continue
		}
		r := rec
		out = append(out, &r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRawRepo) ListAt(_ context.Context, resource model.ResourceType, at time.Time) ([]*model.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.RawRecord
	for _, rec := range m.sorted(resource) {
		if rec.StartTime.Equal(at) {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *memRawRepo) Truncate(_ context.Context, resources []model.ResourceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		delete(m.rows, r)
	}
	return nil
}

func (m *memRawRepo) CountMissingStart(_ context.Context, resource model.ResourceType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows[resource] {
		if r.StartTime == nil {
			n++
		}
	}
	return n, nil
}

func (m *memRawRepo) Count(_ context.Context, resource model.ResourceType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows[resource])), nil
}

// snapshot は比較用にテーブル内容をJSONで返す。
func (m *memRawRepo) snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := json.Marshal(m.rows)
	return string(b)
}

// fakeFetcher はリソースごとに固定のペイロードを返す。
// start/endの絞り込みはペイロードのstart（無ければcreated_at）で行う。
// filterTimeを設定したリソースはその関数が返す時刻で絞り込む。
type fakeFetcher struct {
	filterTime map[model.ResourceType]func(payload string) *time.Time
	mu       sync.Mutex
	payloads map[model.ResourceType][]string
	errs     map[model.ResourceType]error
	// errAfter はerrsを返す前に返すレコード数。
	errAfter map[model.ResourceType]int
	requests []fetch.CollectionRequest
}

func (f *fakeFetcher) FetchCollection(_ context.Context, req fetch.CollectionRequest) iter.Seq2[json.RawMessage, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	payloads := f.payloads[req.Resource]
	err := f.errs[req.Resource]
	after := f.errAfter[req.Resource]
	filterTime := f.filterTime[req.Resource]
	f.mu.Unlock()

	return func(yield func(json.RawMessage, error) bool) {
		n := 0
		for _, p := range payloads {
			if err != nil && n == after {
				break
			}
			var head struct {
				Start     *time.Time `json:"start"`
				CreatedAt *time.Time `json:"created_at"`
			}
			_ = json.Unmarshal([]byte(p), &head)
			ts := head.Start
			if ts == nil {
				ts = head.CreatedAt
			}
			if filterTime != nil {
				ts = filterTime(p)
			}
			if ts != nil && req.Since != nil && ts.Before(*req.Since) {
				continue
			}
			if ts != nil && req.Until != nil && !ts.Before(*req.Until) {
				continue
			}
			if !yield(json.RawMessage(p), nil) {
				return
			}
			n++
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func (f *fakeFetcher) FetchOne(_ context.Context, resource model.ResourceType, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[resource]; err != nil {
		return nil, err
	}
	return json.RawMessage(f.payloads[resource][0]), nil
}

// fakeLocker はキー単位のロックを模倣する。
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

// memRunRepo はテスト用のIngestRunRepository。
type memRunRepo struct {
	mu      sync.Mutex
	results []*model.IngestResult
}

func (m *memRunRepo) Record(_ context.Context, result *model.IngestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memRunRepo) ListRecent(_ context.Context, limit int) ([]*model.IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.results) {
		limit = len(m.results)
	}
	return m.results[:limit], nil
}

// fakeSource はRecordSourceのテスト用実装。
type fakeSource struct {
	records map[model.ResourceType][]*model.RawRecord
}

func (s *fakeSource) Records(_ context.Context, _ string, resource model.ResourceType, _, _ *time.Time) iter.Seq2[*model.RawRecord, error] {
	return func(yield func(*model.RawRecord, error) bool) {
		for _, r := range s.records[resource] {
			if !yield(r, nil) {
				return
			}
		}
	}
}
