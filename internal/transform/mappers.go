package transform

import (
	"encoding/json"
	"math"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/quest"
	"github.com/hitoshi/healthsync/internal/whoop"
)

// MapFunc は生データ1件を0件以上の統合レコードに変換する。
// 副作用を持たず、必須のキー要素が欠けている場合のみMappingSkipを返す。
type MapFunc func(rec *model.RawRecord) ([]*model.CanonicalRecord, error)

// バイタルの種別
const (
	VitalRestingHR       = "resting_hr"
	VitalHRVRMSSD        = "hrv_rmssd"
	VitalSpO2            = "spo2_pct"
	VitalSkinTemp        = "skin_temp_celsius"
	VitalRecoveryScore   = "recovery_score"
	VitalRespiratoryRate = "respiratory_rate"
	VitalDayStrain       = "day_strain"
)

// sleepMetric はsleep_sessionsのMetricKeyに使うメトリクス名。
const sleepMetric = "sleep_session"

// requireKey はユーザーIDと主タイムスタンプの両方があるかを確認する。
func requireKey(rec *model.RawRecord) (time.Time, error) {
	if rec.UserID == "" {
		return time.Time{}, model.NewMappingSkip(rec.ResourceType, rec.NaturalID, "user id is missing")
	}
	if rec.StartTime == nil {
		return time.Time{}, model.NewMappingSkip(rec.ResourceType, rec.NaturalID, "measurement time is missing")
	}
	return rec.StartTime.UTC(), nil
}

func decode(rec *model.RawRecord, v any) error {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return model.NewMappingSkip(rec.ResourceType, rec.NaturalID, "payload cannot be decoded: "+err.Error())
	}
	return nil
}

// MapSleepSession は睡眠をsleep_sessionsの1行に変換する。
func MapSleepSession(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	start, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var s whoop.Sleep
	if err := decode(rec, &s); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"end_time":         nil,
		"duration_minutes": nil,
		"efficiency_pct":   nil,
		"rem_minutes":      nil,
		"deep_minutes":     nil,
		"light_minutes":    nil,
		"awake_minutes":    nil,
		"respiratory_rate": nil,
		"is_nap":           boolOrNil(s.Nap),
	}
	if s.End != nil {
		end := s.End.UTC()
		fields["end_time"] = end
		fields["duration_minutes"] = int64(math.Round(end.Sub(start).Minutes()))
	}
	if s.Score != nil {
		fields["efficiency_pct"] = floatOrNil(s.Score.SleepEfficiencyPercentage)
		fields["respiratory_rate"] = floatOrNil(s.Score.RespiratoryRate)
		if st := s.Score.StageSummary; st != nil {
			fields["rem_minutes"] = milliToMinutes(st.TotalRemSleepTimeMilli)
			fields["deep_minutes"] = milliToMinutes(st.TotalSlowWaveSleepTimeMilli)
			fields["light_minutes"] = milliToMinutes(st.TotalLightSleepTimeMilli)
			fields["awake_minutes"] = milliToMinutes(st.TotalAwakeTimeMilli)
		}
	}

	return []*model.CanonicalRecord{
		newCanonical(rec, model.TableSleepSessions, MetricKey(rec.Source(), rec.UserID, sleepMetric, start), start, fields),
	}, nil
}

// MapSleepVitals は睡眠中の呼吸数をバイタルに変換する。
func MapSleepVitals(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	start, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var s whoop.Sleep
	if err := decode(rec, &s); err != nil {
		return nil, err
	}
	if s.Score == nil {
		return nil, nil
	}
	return vitals(rec, start, []vital{
		{VitalRespiratoryRate, s.Score.RespiratoryRate, "breaths/min"},
	}), nil
}

// MapRecoveryVitals はリカバリーのスコアを種別ごとのバイタルに変換する。
func MapRecoveryVitals(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	at, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var r whoop.Recovery
	if err := decode(rec, &r); err != nil {
		return nil, err
	}
	if r.Score == nil {
		return nil, nil
	}
	return vitals(rec, at, []vital{
		{VitalRestingHR, r.Score.RestingHeartRate, "bpm"},
		{VitalHRVRMSSD, r.Score.HrvRmssdMilli, "ms"},
		{VitalSpO2, r.Score.Spo2Percentage, "percent"},
		{VitalSkinTemp, r.Score.SkinTempCelsius, "C"},
		{VitalRecoveryScore, r.Score.RecoveryScore, "score"},
	}), nil
}

// MapCycleVitals はサイクルの1日のストレインをバイタルに変換する。
func MapCycleVitals(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	at, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var c whoop.Cycle
	if err := decode(rec, &c); err != nil {
		return nil, err
	}
	if c.Score == nil {
		return nil, nil
	}
	return vitals(rec, at, []vital{
		{VitalDayStrain, c.Score.Strain, "strain"},
	}), nil
}

// MapWorkout はワークアウトをworkoutsの1行に変換する。
func MapWorkout(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	start, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var w whoop.Workout
	if err := decode(rec, &w); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"end_time":          nil,
		"sport":             stringOrNil(w.SportName),
		"average_hr":        nil,
		"max_hr":            nil,
		"strain":            nil,
		"energy_kj":         nil,
		"distance_m":        nil,
		"altitude_gain_m":   nil,
		"altitude_change_m": nil,
	}
	if w.End != nil {
		fields["end_time"] = w.End.UTC()
	}
	if w.Score != nil {
		fields["average_hr"] = intOrNil(w.Score.AverageHeartRate)
		fields["max_hr"] = intOrNil(w.Score.MaxHeartRate)
		fields["strain"] = floatOrNil(w.Score.Strain)
		fields["energy_kj"] = floatOrNil(w.Score.Kilojoule)
		fields["distance_m"] = floatOrNil(w.Score.DistanceMeter)
		fields["altitude_gain_m"] = floatOrNil(w.Score.AltitudeGainMeter)
		fields["altitude_change_m"] = floatOrNil(w.Score.AltitudeChangeMeter)
	}

	return []*model.CanonicalRecord{
		newCanonical(rec, model.TableWorkouts, LineageKey(rec.Source(), rec.NaturalID), start, fields),
	}, nil
}

// MapProfileIdentity はプロフィールをユーザー識別情報の補完に変換する。
func MapProfileIdentity(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	at, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var p whoop.Profile
	if err := decode(rec, &p); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"email":      stringOrNil(p.Email),
		"first_name": stringOrNil(p.FirstName),
		"last_name":  stringOrNil(p.LastName),
	}
	return []*model.CanonicalRecord{
		newCanonical(rec, model.TableUserIdentity, LineageKey(rec.Source(), rec.NaturalID), at, fields),
	}, nil
}

// MapPatientIdentity はFHIR Patientをユーザー識別情報の補完に変換する。
func MapPatientIdentity(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	at, err := requireKey(rec)
	if err != nil {
		return nil, err
	}
	var p quest.Patient
	if err := decode(rec, &p); err != nil {
		return nil, err
	}
	given, family := p.PrimaryName()
	fields := map[string]any{
		"email":      stringOrNil(p.Email()),
		"first_name": stringOrNil(given),
		"last_name":  stringOrNil(family),
	}
	return []*model.CanonicalRecord{
		newCanonical(rec, model.TableUserIdentity, LineageKey(rec.Source(), rec.NaturalID), at, fields),
	}, nil
}

// MapLabResult はFHIR Observationをlab_resultsの1行に変換する。
// 患者の参照はペイロードのsubjectを優先する。
func MapLabResult(rec *model.RawRecord) ([]*model.CanonicalRecord, error) {
	var o quest.Observation
	if err := decode(rec, &o); err != nil {
		return nil, err
	}
	patient := o.PatientID()
	if patient == "" {
		patient = rec.UserID
	}
	if patient == "" {
		return nil, model.NewMappingSkip(rec.ResourceType, rec.NaturalID, "observation has no patient")
	}
	collected, ok := o.EffectiveTime()
	if !ok {
		if rec.StartTime == nil {
			return nil, model.NewMappingSkip(rec.ResourceType, rec.NaturalID, "measurement time is missing")
		}
		collected = rec.StartTime.UTC()
	}

	fields := map[string]any{
		"loinc_code":     stringOrNil(o.LOINC()),
		"test_name":      stringOrNil(o.TestName()),
		"value_num":      nil,
		"value_text":     nil,
		"unit":           nil,
		"reference_low":  nil,
		"reference_high": nil,
		"abnormal_flag":  stringOrNil(o.AbnormalFlag()),
	}
	if q := o.ValueQuantity; q != nil {
		fields["value_num"] = floatOrNil(q.Value)
		fields["unit"] = stringOrNil(q.Unit)
	}
	switch {
	case o.ValueString != nil:
		fields["value_text"] = stringOrNil(*o.ValueString)
	case o.ValueCodeableConcept != nil:
		fields["value_text"] = stringOrNil(o.ValueCodeableConcept.Text)
	}
	if len(o.ReferenceRange) > 0 {
		rr := o.ReferenceRange[0]
		if rr.Low != nil {
			fields["reference_low"] = floatOrNil(rr.Low.Value)
		}
		if rr.High != nil {
			fields["reference_high"] = floatOrNil(rr.High.Value)
		}
	}

	out := newCanonical(rec, model.TableLabResults, LineageKey(rec.Source(), rec.NaturalID), collected, fields)
	out.SourceUserID = patient
	return []*model.CanonicalRecord{out}, nil
}

type vital struct {
	kind  string
	value *float64
	unit  string
}

// vitals は値のあるバイタルのみを行にする。
func vitals(rec *model.RawRecord, at time.Time, list []vital) []*model.CanonicalRecord {
	var out []*model.CanonicalRecord
	for _, v := range list {
		if v.value == nil {
			continue
		}
		fields := map[string]any{
			"type":      v.kind,
			"value_num": *v.value,
			"unit":      v.unit,
		}
		out = append(out, newCanonical(rec, model.TableBiometricsVitals, MetricKey(rec.Source(), rec.UserID, v.kind, at), at, fields))
	}
	return out
}

func newCanonical(rec *model.RawRecord, table model.CanonicalTable, key string, at time.Time, fields map[string]any) *model.CanonicalRecord {
	return &model.CanonicalRecord{
		Table:           table,
		SurrogateKey:    key,
		SourceSystem:    rec.Source(),
		SourceUserID:    rec.UserID,
		MeasurementTime: at,
		Fields:          fields,
		SourceNaturalID: rec.NaturalID,
		Lineage:         rec.Payload,
	}
}

func milliToMinutes(ms *int64) any {
	if ms == nil {
		return nil
	}
	return int64(math.Round(float64(*ms) / 60000))
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolOrNil(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
