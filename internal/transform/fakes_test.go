package transform

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
)

// memRawRepo は (start_time, natural_id) 順で返すインメモリの生データストア。
type memRawRepo struct {
	mu   sync.Mutex
	rows map[model.ResourceType]map[string]*model.RawRecord
}

func newMemRawRepo() *memRawRepo {
	return &memRawRepo{rows: make(map[model.ResourceType]map[string]*model.RawRecord)}
}

func (m *memRawRepo) Upsert(_ context.Context, rec *model.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[rec.ResourceType] == nil {
		m.rows[rec.ResourceType] = make(map[string]*model.RawRecord)
	}
	c := *rec
	m.rows[rec.ResourceType][rec.NaturalID] = &c
	return nil
}

func (m *memRawRepo) DeleteRange(context.Context, model.ResourceType, model.RefreshWindow) (int64, error) {
	return 0, nil
}

func (m *memRawRepo) sorted(resource model.ResourceType) []*model.RawRecord {
	var out []*model.RawRecord
	for _, r := range m.rows[resource] {
		if r.StartTime != nil {
			c := *r
			out = append(out, &c)
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
	for _, r := range m.sorted(resource) {
		if after != nil && !r.StartTime.After(*after) {
			continue
		}
		out = append(out, r)
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
	for _, r := range m.sorted(resource) {
		if r.StartTime.Equal(at) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRawRepo) Truncate(context.Context, []model.ResourceType) error { return nil }

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

// memCanonicalRepo はサロゲートキーで一意な統合ストア。
// ウォーターマークはGREATESTと同じく後退しない。
type memCanonicalRepo struct {
	mu         sync.Mutex
	rows       map[model.CanonicalTable]map[string]*model.CanonicalRecord
	watermarks map[string]*model.Watermark
	commitErr  error
	commits    int
}

func newMemCanonicalRepo() *memCanonicalRepo {
	return &memCanonicalRepo{
		rows:       make(map[model.CanonicalTable]map[string]*model.CanonicalRecord),
		watermarks: make(map[string]*model.Watermark),
	}
}

func (m *memCanonicalRepo) GetWatermark(_ context.Context, pipeline string) (*model.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.watermarks[pipeline]
	if !ok {
		return nil, nil
	}
	c := *wm
	return &c, nil
}

func (m *memCanonicalRepo) CommitBatch(_ context.Context, batch *repository.CanonicalBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits++
	for _, rec := range batch.Records {
		if m.rows[rec.Table] == nil {
			m.rows[rec.Table] = make(map[string]*model.CanonicalRecord)
		}
		m.rows[rec.Table][rec.SurrogateKey] = rec
	}
	if batch.MaxSeen != nil {
		wm, ok := m.watermarks[batch.Pipeline]
		if !ok {
			wm = &model.Watermark{Pipeline: batch.Pipeline, CanonicalTable: batch.Table}
			m.watermarks[batch.Pipeline] = wm
		}
		if wm.MaxSeen == nil || batch.MaxSeen.After(*wm.MaxSeen) {
			t := *batch.MaxSeen
			wm.MaxSeen = &t
		}
	}
	return nil
}

func (m *memCanonicalRepo) ResetWatermarks(_ context.Context, table model.CanonicalTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, wm := range m.watermarks {
		if wm.CanonicalTable == table {
			delete(m.watermarks, k)
		}
	}
	return nil
}

func (m *memCanonicalRepo) Count(_ context.Context, table model.CanonicalTable) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows[table])), nil
}

// heldLocker は指定したキーを他のジョブが保持中として扱う。
type heldLocker struct {
	held     map[string]bool
	released []string
}

func (l *heldLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	return func() { l.released = append(l.released, key) }, true, nil
}
