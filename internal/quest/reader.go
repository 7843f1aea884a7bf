// Package quest はQuestの検査結果ファイル（FHIR JSON/NDJSON）をRawRecordに変換する。
// PDFの表抽出は外部の変換ツールに任せ、ここでは読み飛ばす。
package quest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// 読み込み対象の拡張子。
var supportedExtensions = []string{".json", ".ndjson", ".pdf"}

// Resources はQuestの取り込み対象リソースを取り込み順に返す。
func Resources() []model.ResourceType {
	return []model.ResourceType{model.ResourceQuestPatient, model.ResourceQuestObservation}
}

// Reader はファイルまたはディレクトリからFHIRリソースを読み込む。
type Reader struct {
	logger *slog.Logger
	// patientOverride はsubjectを持たないObservationと、IDの無いPatientに使う患者ID。
	patientOverride string
	now             func() time.Time
}

// NewReader はReaderを生成する。
func NewReader(patientID string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{logger: logger, patientOverride: patientID, now: time.Now}
}

// Files はpathがファイルならそれを、ディレクトリなら直下の対象ファイルを名前順に返す。
func (r *Reader) Files(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path not found: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(supportedExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// Records はpath配下のファイルから指定リソースのRawRecordを列挙する。
// Observationはsince/untilで [since, until) に絞り込む。日時の無いものは常に含める。
// 解釈できないオブジェクトは警告を出して読み飛ばす。
func (r *Reader) Records(ctx context.Context, path string, resource model.ResourceType, since, until *time.Time) iter.Seq2[*model.RawRecord, error] {
	return func(yield func(*model.RawRecord, error) bool) {
		files, err := r.Files(path)
		if err != nil {
			yield(nil, err)
			return
		}
		fetchedAt := r.now().UTC()

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				if resource == model.ResourceQuestObservation {
					r.logger.Warn("PDF files are not parsed; convert them to FHIR JSON first",
						slog.String("file", file),
					)
				}
				continue
			}

			objects, err := readObjects(file)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read %s: %w", file, err))
				return
			}
			for _, obj := range objects {
				rec, err := r.extract(resource, obj, fetchedAt)
				if err != nil {
					r.logger.Warn("skipping FHIR resource",
						slog.String("file", file),
						slog.String("resource", string(resource)),
						slog.String("error", err.Error()),
					)
					continue
				}
				if rec == nil {
					continue
				}
				if resource == model.ResourceQuestObservation && !inRange(rec.StartTime, since, until) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (r *Reader) extract(resource model.ResourceType, obj json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(obj, &head); err != nil {
		return nil, err
	}
	switch {
	case resource == model.ResourceQuestPatient && head.ResourceType == "Patient":
		return ExtractPatient(obj, fetchedAt, r.patientOverride)
	case resource == model.ResourceQuestObservation && head.ResourceType == "Observation":
		return ExtractObservation(obj, fetchedAt, r.patientOverride)
	default:
		return nil, nil
	}
}

// ExtractPatient はPatientリソースをRawRecordに変換する。
func ExtractPatient(payload json.RawMessage, fetchedAt time.Time, patientOverride string) (*model.RawRecord, error) {
	var p Patient
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid Patient: %w", err)
	}
	id := p.ID
	if id == "" {
		id = patientOverride
	}
	if id == "" {
		return nil, errors.New("Patient has no id")
	}

	fields := make(map[string]any)
	given, family := p.PrimaryName()
	setString(fields, "given_name", given)
	setString(fields, "family_name", family)
	setString(fields, "birth_date", p.BirthDate)
	setString(fields, "gender", p.Gender)

	updated := lastUpdated(p.Meta, fetchedAt)
	return &model.RawRecord{
		ResourceType: model.ResourceQuestPatient,
		NaturalID:    id,
		UserID:       id,
		StartTime:    &updated,
		Fields:       fields,
		Payload:      compact(payload),
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}, nil
}

// ExtractObservation はObservationリソースをRawRecordに変換する。
// IDが無い場合はペイロードのハッシュを自然IDにする。
func ExtractObservation(payload json.RawMessage, fetchedAt time.Time, patientOverride string) (*model.RawRecord, error) {
	var o Observation
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("invalid Observation: %w", err)
	}
	body := compact(payload)

	id := o.ID
	if id == "" {
		sum := sha256.Sum256(body)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	patient := o.PatientID()
	if patient == "" {
		patient = patientOverride
	}

	fields := make(map[string]any)
	setString(fields, "status", o.Status)
	setString(fields, "loinc_code", o.LOINC())

	rec := &model.RawRecord{
		ResourceType: model.ResourceQuestObservation,
		NaturalID:    id,
		UserID:       patient,
		Fields:       fields,
		Payload:      body,
	}
	fallback := fetchedAt
	if t, ok := o.EffectiveTime(); ok {
		rec.StartTime = &t
		fallback = t
	}
	rec.UpdatedAt = lastUpdated(o.Meta, fallback)
	rec.CreatedAt = rec.UpdatedAt
	return rec, nil
}

// readObjects はJSON（オブジェクト・配列・Bundle）またはNDJSONのファイルを読み込む。
func readObjects(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err == nil {
			return expandBundles(list), nil
		}
	}
	if json.Valid(trimmed) {
		return expandBundles([]json.RawMessage{trimmed}), nil
	}

	var out []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		out = append(out, json.RawMessage(slices.Clone(line)))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return expandBundles(out), nil
}

// expandBundles はBundleのentry.resourceを展開する。オブジェクト以外は除外する。
func expandBundles(objs []json.RawMessage) []json.RawMessage {
	var out []json.RawMessage
	for _, obj := range objs {
		t := bytes.TrimSpace(obj)
		if len(t) == 0 || t[0] != '{' {
			continue
		}
		var bundle struct {
			ResourceType string `json:"resourceType"`
			Entry        []struct {
				Resource json.RawMessage `json:"resource"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(t, &bundle); err == nil && bundle.ResourceType == "Bundle" {
			for _, e := range bundle.Entry {
				if len(e.Resource) > 0 {
					out = append(out, e.Resource)
				}
			}
			continue
		}
		out = append(out, t)
	}
	return out
}

func inRange(t *time.Time, since, until *time.Time) bool {
	if t == nil {
		return true
	}
	if since != nil && t.Before(*since) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}

func lastUpdated(m *Meta, fallback time.Time) time.Time {
	if m != nil && m.LastUpdated != "" {
		if t, err := ParseDateTime(m.LastUpdated); err == nil {
			return t
		}
	}
	return fallback.UTC()
}

func compact(payload json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}

func setString(fields map[string]any, key, v string) {
	if v != "" {
		fields[key] = v
	}
}
