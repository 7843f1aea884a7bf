package quest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
)

const patientJSON = `{
  "resourceType": "Patient",
  "id": "p-1",
  "meta": {"lastUpdated": "2026-01-05T10:00:00Z"},
  "name": [{"use": "usual", "given": ["Bob"]}, {"use": "official", "family": "Smith", "given": ["Robert", "J"]}],
  "gender": "male",
  "birthDate": "1980-02-03",
  "telecom": [{"system": "email", "value": "bob@example.com"}]
}`

func observation(id, effective string) string {
	return `{"resourceType":"Observation","id":"` + id + `","status":"final",` +
		`"code":{"coding":[{"system":"http://loinc.org","code":"2345-7","display":"Glucose"}]},` +
		`"subject":{"reference":"Patient/p-1"},"effectiveDateTime":"` + effective + `",` +
		`"valueQuantity":{"value":95,"unit":"mg/dL"}}`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func newTestReader(patient string) *Reader {
	r := NewReader(patient, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	r.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func collect(t *testing.T, r *Reader, path string, resource model.ResourceType, since, until *time.Time) []*model.RawRecord {
	t.Helper()
	var out []*model.RawRecord
	for rec, err := range r.Records(context.Background(), path, resource, since, until) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestRecords_ReadsJSONArrayNDJSONAndBundle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[`+patientJSON+`,`+observation("o-1", "2026-01-01T08:00:00Z")+`]`)
	writeFile(t, dir, "b.ndjson", observation("o-2", "2026-01-02T08:00:00Z")+"\n\nnot json\n"+observation("o-3", "2026-01-03")+"\n")
	writeFile(t, dir, "c.json", `{"resourceType":"Bundle","entry":[{"resource":`+observation("o-4", "2026-01-04T08:00:00+09:00")+`}]}`)
	writeFile(t, dir, "ignored.txt", "whatever")
	writeFile(t, dir, "report.pdf", "%PDF-1.4")

	r := newTestReader("")
	obs := collect(t, r, dir, model.ResourceQuestObservation, nil, nil)
	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		ids = append(ids, o.NaturalID)
	}
	assert.Equal(t, []string{"o-1", "o-2", "o-3", "o-4"}, ids)

	assert.Equal(t, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), *obs[2].StartTime)
	assert.Equal(t, time.Date(2026, 1, 3, 23, 0, 0, 0, time.UTC), *obs[3].StartTime)

	patients := collect(t, r, dir, model.ResourceQuestPatient, nil, nil)
	require.Len(t, patients, 1)
	assert.Equal(t, "p-1", patients[0].NaturalID)
}

func TestRecords_FiltersObservationsBySinceUntil(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "obs.ndjson",
		observation("before", "2025-12-31T23:59:59Z")+"\n"+
			observation("start", "2026-01-01T00:00:00Z")+"\n"+
			observation("end", "2026-01-02T00:00:00Z")+"\n"+
			`{"resourceType":"Observation","id":"undated","status":"final"}`+"\n")

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	obs := collect(t, newTestReader(""), path, model.ResourceQuestObservation, &since, &until)

	var ids []string
	for _, o := range obs {
		ids = append(ids, o.NaturalID)
	}
	assert.Equal(t, []string{"start", "undated"}, ids)
}

func TestExtractPatient(t *testing.T) {
	fetchedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rec, err := ExtractPatient(json.RawMessage(patientJSON), fetchedAt, "")
	require.NoError(t, err)

	assert.Equal(t, model.ResourceQuestPatient, rec.ResourceType)
	assert.Equal(t, "p-1", rec.UserID)
	assert.Equal(t, "Robert J", rec.Fields["given_name"])
	assert.Equal(t, "Smith", rec.Fields["family_name"])
	assert.Equal(t, "1980-02-03", rec.Fields["birth_date"])
	assert.Equal(t, "male", rec.Fields["gender"])
	assert.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), rec.UpdatedAt)
	assert.True(t, json.Valid(rec.Payload))

	for k := range rec.Fields {
		assert.Contains(t, repository.RawColumns(model.ResourceQuestPatient), k)
	}
}

func TestExtractPatient_RequiresID(t *testing.T) {
	_, err := ExtractPatient(json.RawMessage(`{"resourceType":"Patient"}`), time.Now(), "")
	assert.Error(t, err)

	rec, err := ExtractPatient(json.RawMessage(`{"resourceType":"Patient"}`), time.Now(), "self")
	require.NoError(t, err)
	assert.Equal(t, "self", rec.NaturalID)
}

func TestExtractObservation(t *testing.T) {
	rec, err := ExtractObservation(json.RawMessage(observation("o-1", "2026-01-01T08:00:00Z")), time.Now(), "")
	require.NoError(t, err)

	assert.Equal(t, "o-1", rec.NaturalID)
	assert.Equal(t, "p-1", rec.UserID)
	assert.Equal(t, "final", rec.Fields["status"])
	assert.Equal(t, "2345-7", rec.Fields["loinc_code"])
	assert.Equal(t, time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), *rec.StartTime)
	assert.Equal(t, *rec.StartTime, rec.UpdatedAt)

	for k := range rec.Fields {
		assert.Contains(t, repository.RawColumns(model.ResourceQuestObservation), k)
	}
}

func TestExtractObservation_WithoutIDUsesStableHash(t *testing.T) {
	payload := json.RawMessage(`{"resourceType":"Observation", "status":"final", "issued":"2026-01-01T00:00:00Z"}`)
	a, err := ExtractObservation(payload, time.Now(), "self")
	require.NoError(t, err)
	b, err := ExtractObservation(json.RawMessage(`{"resourceType":"Observation","status":"final","issued":"2026-01-01T00:00:00Z"}`), time.Now(), "self")
	require.NoError(t, err)

	assert.Equal(t, a.NaturalID, b.NaturalID)
	assert.Contains(t, a.NaturalID, "sha256:")
	assert.Equal(t, "self", a.UserID)
}

func TestObservation_InterpretationArrayOrObject(t *testing.T) {
	var arr, obj Observation
	require.NoError(t, json.Unmarshal([]byte(`{"interpretation":[{"coding":[{"code":"H"}]}]}`), &arr))
	require.NoError(t, json.Unmarshal([]byte(`{"interpretation":{"coding":[{"code":"L"}]}}`), &obj))

	assert.Equal(t, "H", arr.AbnormalFlag())
	assert.Equal(t, "L", obj.AbnormalFlag())
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-01-02T03:04:05Z", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2026-01-02T03:04:05.123+09:00", time.Date(2026, 1, 1, 18, 4, 5, 123000000, time.UTC)},
		{"2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"2026-01", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}

	_, err := ParseDateTime("yesterday")
	assert.Error(t, err)
}

func TestFiles_SingleFileAndMissingPath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.json", patientJSON)

	files, err := newTestReader("").Files(p)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, files)

	_, err = newTestReader("").Files(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
