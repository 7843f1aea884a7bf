package whoop

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// Extractor はAPIのレコード1件をRawRecordに変換する。
// fetchedAtは取得元にタイムスタンプが無い場合の代替値として使う。
type Extractor func(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error)

// Resource はWHOOP APIの取得対象リソースの定義。
type Resource struct {
	Type model.ResourceType
	// Name はコマンドラインで指定する短い名前。
	Name string
	Path string
	// Paginated がfalseのリソースは単一オブジェクトを返す。
	Paginated bool
	// Windowed はstart/endによる期間指定と範囲削除に対応するかを表す。
	Windowed bool
	Extract  Extractor
}

var catalogue = []Resource{
	{Type: model.ResourceWhoopProfile, Name: "profile", Path: "/v2/user/profile/basic", Extract: ExtractProfile},
	{Type: model.ResourceWhoopBody, Name: "body", Path: "/v2/user/measurement/body", Extract: ExtractBodyMeasurement},
	{Type: model.ResourceWhoopCycle, Name: "cycles", Path: "/v2/cycle", Paginated: true, Windowed: true, Extract: ExtractCycle},
	{Type: model.ResourceWhoopSleep, Name: "sleeps", Path: "/v2/activity/sleep", Paginated: true, Windowed: true, Extract: ExtractSleep},
	{Type: model.ResourceWhoopRecovery, Name: "recoveries", Path: "/v2/recovery", Paginated: true, Windowed: true, Extract: ExtractRecovery},
	{Type: model.ResourceWhoopWorkout, Name: "workouts", Path: "/v2/activity/workout", Paginated: true, Windowed: true, Extract: ExtractWorkout},
}

// All はすべてのリソースを取得順に返す。
func All() []Resource {
	return slices.Clone(catalogue)
}

// Windowed はウィンドウ単位のリフレッシュ対象リソースを返す。
func Windowed() []Resource {
	var out []Resource
	for _, r := range catalogue {
		if r.Windowed {
			out = append(out, r)
		}
	}
	return out
}

// Lookup は短い名前またはリソース種別からリソースを検索する。
func Lookup(name string) (Resource, bool) {
	name = strings.TrimSpace(name)
	for _, r := range catalogue {
		if r.Name == name || string(r.Type) == name {
			return r, true
		}
	}
	return Resource{}, false
}

// ParseNames はカンマ区切りのリソース名を解決する。空文字列の場合は全リソースを返す。
// 重複は1件にまとめ、取得順を維持する。
func ParseNames(csv string) ([]Resource, error) {
	if strings.TrimSpace(csv) == "" || strings.TrimSpace(csv) == "all" {
		return All(), nil
	}

	want := make(map[model.ResourceType]bool)
	for _, name := range strings.Split(csv, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		r, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown resource %q (valid: %s)", strings.TrimSpace(name), strings.Join(Names(), ", "))
		}
		want[r.Type] = true
	}

	var out []Resource
	for _, r := range catalogue {
		if want[r.Type] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Names は全リソースの短い名前を返す。
func Names() []string {
	names := make([]string, len(catalogue))
	for i, r := range catalogue {
		names[i] = r.Name
	}
	return names
}

// ExtractProfile はプロフィールを変換する。自然IDはuser_id。
func ExtractProfile(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var p Profile
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("profile has no user_id")
	}

	fields := map[string]any{}
	setString(fields, "email", p.Email)
	setString(fields, "first_name", p.FirstName)
	setString(fields, "last_name", p.LastName)

	at := fetchedAt.UTC()
	return &model.RawRecord{
		ResourceType: model.ResourceWhoopProfile,
		NaturalID:    string(p.UserID),
		UserID:       string(p.UserID),
		StartTime:    &at,
		Fields:       fields,
		Payload:      payload,
		CreatedAt:    at,
		UpdatedAt:    at,
	}, nil
}

// bodyMeasurementID は体測定の自然ID。ユーザーあたり1件のみ存在する。
const bodyMeasurementID = "current"

// ExtractBodyMeasurement は体測定を変換する。
func ExtractBodyMeasurement(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var b BodyMeasurement
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode body measurement: %w", err)
	}

	fields := map[string]any{}
	setFloat(fields, "height_meter", b.HeightMeter)
	setFloat(fields, "weight_kilogram", b.WeightKilogram)
	setInt(fields, "max_heart_rate", b.MaxHeartRate)

	at := fetchedAt.UTC()
	return &model.RawRecord{
		ResourceType: model.ResourceWhoopBody,
		NaturalID:    bodyMeasurementID,
		StartTime:    &at,
		Fields:       fields,
		Payload:      payload,
		CreatedAt:    at,
		UpdatedAt:    at,
	}, nil
}

// ExtractCycle はサイクルを変換する。主タイムスタンプはstart。
func ExtractCycle(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var c Cycle
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode cycle: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("cycle has no id")
	}

	fields := map[string]any{}
	setString(fields, "timezone_offset", c.TimezoneOffset)
	setString(fields, "score_state", c.ScoreState)
	if c.Score != nil {
		setFloat(fields, "strain", c.Score.Strain)
		setFloat(fields, "kilojoule", c.Score.Kilojoule)
		setInt(fields, "average_heart_rate", c.Score.AverageHeartRate)
		setInt(fields, "max_heart_rate", c.Score.MaxHeartRate)
	}

	return newRecord(model.ResourceWhoopCycle, c.ID, c.UserID, c.Start, c.End, c.CreatedAt, c.UpdatedAt, fields, payload, fetchedAt), nil
}

// ExtractSleep は睡眠を変換する。主タイムスタンプはstart。
func ExtractSleep(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var s Sleep
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode sleep: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("sleep has no id")
	}

	fields := map[string]any{}
	setString(fields, "cycle_id", string(s.CycleID))
	setBool(fields, "nap", s.Nap)
	setString(fields, "score_state", s.ScoreState)
	if s.Score != nil {
		setFloat(fields, "respiratory_rate", s.Score.RespiratoryRate)
		setFloat(fields, "sleep_performance_percentage", s.Score.SleepPerformancePercentage)
		setFloat(fields, "sleep_consistency_percentage", s.Score.SleepConsistencyPercentage)
		setFloat(fields, "sleep_efficiency_percentage", s.Score.SleepEfficiencyPercentage)
		if st := s.Score.StageSummary; st != nil {
			setInt(fields, "total_in_bed_time_milli", st.TotalInBedTimeMilli)
			setInt(fields, "total_awake_time_milli", st.TotalAwakeTimeMilli)
			setInt(fields, "total_light_sleep_time_milli", st.TotalLightSleepTimeMilli)
			setInt(fields, "total_slow_wave_sleep_time_milli", st.TotalSlowWaveSleepTimeMilli)
			setInt(fields, "total_rem_sleep_time_milli", st.TotalRemSleepTimeMilli)
			setInt(fields, "disturbance_count", st.DisturbanceCount)
		}
	}

	return newRecord(model.ResourceWhoopSleep, s.ID, s.UserID, s.Start, s.End, s.CreatedAt, s.UpdatedAt, fields, payload, fetchedAt), nil
}

// ExtractRecovery はリカバリーを変換する。
// リカバリーには開始時刻が無いため、主タイムスタンプはcreated_at。
func ExtractRecovery(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var r Recovery
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode recovery: %w", err)
	}
	if r.CycleID == "" {
		return nil, fmt.Errorf("recovery has no cycle_id")
	}

	fields := map[string]any{}
	setString(fields, "sleep_id", string(r.SleepID))
	setString(fields, "score_state", r.ScoreState)
	if r.Score != nil {
		setFloat(fields, "recovery_score", r.Score.RecoveryScore)
		setFloat(fields, "resting_heart_rate", r.Score.RestingHeartRate)
		setFloat(fields, "hrv_rmssd_milli", r.Score.HrvRmssdMilli)
		setFloat(fields, "spo2_percentage", r.Score.Spo2Percentage)
		setFloat(fields, "skin_temp_celsius", r.Score.SkinTempCelsius)
		setBool(fields, "user_calibrating", r.Score.UserCalibrating)
	}

	return newRecord(model.ResourceWhoopRecovery, r.CycleID, r.UserID, r.CreatedAt, nil, r.CreatedAt, r.UpdatedAt, fields, payload, fetchedAt), nil
}

// ExtractWorkout はワークアウトを変換する。主タイムスタンプはstart。
func ExtractWorkout(payload json.RawMessage, fetchedAt time.Time) (*model.RawRecord, error) {
	var w Workout
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode workout: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("workout has no id")
	}

	fields := map[string]any{}
	setString(fields, "sport_name", w.SportName)
	setString(fields, "score_state", w.ScoreState)
	if w.Score != nil {
		setFloat(fields, "strain", w.Score.Strain)
		setFloat(fields, "kilojoule", w.Score.Kilojoule)
		setInt(fields, "average_heart_rate", w.Score.AverageHeartRate)
		setInt(fields, "max_heart_rate", w.Score.MaxHeartRate)
		setFloat(fields, "percent_recorded", w.Score.PercentRecorded)
		setFloat(fields, "distance_meter", w.Score.DistanceMeter)
		setFloat(fields, "altitude_gain_meter", w.Score.AltitudeGainMeter)
		setFloat(fields, "altitude_change_meter", w.Score.AltitudeChangeMeter)
	}

	return newRecord(model.ResourceWhoopWorkout, w.ID, w.UserID, w.Start, w.End, w.CreatedAt, w.UpdatedAt, fields, payload, fetchedAt), nil
}

// newRecord は共通列を組み立てる。
// updated_atが無い場合はcreated_at、それも無い場合は取得時刻を使う。
func newRecord(resource model.ResourceType, id, userID ID, start, end, createdAt, updatedAt *time.Time,
	fields map[string]any, payload json.RawMessage, fetchedAt time.Time) *model.RawRecord {

	rec := &model.RawRecord{
		ResourceType: resource,
		NaturalID:    string(id),
		UserID:       string(userID),
		StartTime:    utcPtr(start),
		EndTime:      utcPtr(end),
		Fields:       fields,
		Payload:      payload,
	}

	rec.CreatedAt = fetchedAt.UTC()
	if createdAt != nil {
		rec.CreatedAt = createdAt.UTC()
	}
	switch {
	case updatedAt != nil:
		rec.UpdatedAt = updatedAt.UTC()
	case createdAt != nil:
		rec.UpdatedAt = createdAt.UTC()
	default:
		rec.UpdatedAt = fetchedAt.UTC()
	}
	return rec
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func setString(fields map[string]any, key, v string) {
	if v != "" {
		fields[key] = v
	}
}

func setFloat(fields map[string]any, key string, v *float64) {
	if v != nil {
		fields[key] = *v
	}
}

func setInt(fields map[string]any, key string, v *int64) {
	if v != nil {
		fields[key] = *v
	}
}

func setBool(fields map[string]any, key string, v *bool) {
	if v != nil {
		fields[key] = *v
	}
}
