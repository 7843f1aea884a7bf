// Package whoop はWHOOP API v2のリソース定義とレコード変換を提供する。
package whoop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ID は数値または文字列で返される識別子を文字列として保持する。
type ID string

// UnmarshalJSON は数値・文字列・nullを受け付ける。
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*id = ID(n.String())
	return nil
}

// Profile は /v2/user/profile/basic のレスポンス。
type Profile struct {
	UserID    ID     `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// BodyMeasurement は /v2/user/measurement/body のレスポンス。
type BodyMeasurement struct {
	HeightMeter    *float64 `json:"height_meter"`
	WeightKilogram *float64 `json:"weight_kilogram"`
	MaxHeartRate   *int64   `json:"max_heart_rate"`
}

// Cycle は生理的サイクル1件。
type Cycle struct {
	ID             ID         `json:"id"`
	UserID         ID         `json:"user_id"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
	Start          *time.Time `json:"start"`
	End            *time.Time `json:"end"`
	TimezoneOffset string     `json:"timezone_offset"`
	ScoreState     string     `json:"score_state"`
	Score          *struct {
		Strain           *float64 `json:"strain"`
		Kilojoule        *float64 `json:"kilojoule"`
		AverageHeartRate *int64   `json:"average_heart_rate"`
		MaxHeartRate     *int64   `json:"max_heart_rate"`
	} `json:"score"`
}

// StageSummary は睡眠ステージの集計。
type StageSummary struct {
	TotalInBedTimeMilli         *int64 `json:"total_in_bed_time_milli"`
	TotalAwakeTimeMilli         *int64 `json:"total_awake_time_milli"`
	TotalNoDataTimeMilli        *int64 `json:"total_no_data_time_milli"`
	TotalLightSleepTimeMilli    *int64 `json:"total_light_sleep_time_milli"`
	TotalSlowWaveSleepTimeMilli *int64 `json:"total_slow_wave_sleep_time_milli"`
	TotalRemSleepTimeMilli      *int64 `json:"total_rem_sleep_time_milli"`
	SleepCycleCount             *int64 `json:"sleep_cycle_count"`
	DisturbanceCount            *int64 `json:"disturbance_count"`
}

// Sleep は睡眠1件。
type Sleep struct {
	ID         ID         `json:"id"`
	CycleID    ID         `json:"cycle_id"`
	UserID     ID         `json:"user_id"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
	Nap        *bool      `json:"nap"`
	ScoreState string     `json:"score_state"`
	Score      *struct {
		StageSummary               *StageSummary `json:"stage_summary"`
		RespiratoryRate            *float64      `json:"respiratory_rate"`
		SleepPerformancePercentage *float64      `json:"sleep_performance_percentage"`
		SleepConsistencyPercentage *float64      `json:"sleep_consistency_percentage"`
		SleepEfficiencyPercentage  *float64      `json:"sleep_efficiency_percentage"`
	} `json:"score"`
}

// Recovery はサイクルに対するリカバリー1件。cycle_idが自然ID。
type Recovery struct {
	CycleID    ID         `json:"cycle_id"`
	SleepID    ID         `json:"sleep_id"`
	UserID     ID         `json:"user_id"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
	ScoreState string     `json:"score_state"`
	Score      *struct {
		UserCalibrating  *bool    `json:"user_calibrating"`
		RecoveryScore    *float64 `json:"recovery_score"`
		RestingHeartRate *float64 `json:"resting_heart_rate"`
		HrvRmssdMilli    *float64 `json:"hrv_rmssd_milli"`
		Spo2Percentage   *float64 `json:"spo2_percentage"`
		SkinTempCelsius  *float64 `json:"skin_temp_celsius"`
	} `json:"score"`
}

// Workout はワークアウト1件。
type Workout struct {
	ID         ID         `json:"id"`
	UserID     ID         `json:"user_id"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
	SportName  string     `json:"sport_name"`
	ScoreState string     `json:"score_state"`
	Score      *struct {
		Strain              *float64 `json:"strain"`
		AverageHeartRate    *int64   `json:"average_heart_rate"`
		MaxHeartRate        *int64   `json:"max_heart_rate"`
		Kilojoule           *float64 `json:"kilojoule"`
		PercentRecorded     *float64 `json:"percent_recorded"`
		DistanceMeter       *float64 `json:"distance_meter"`
		AltitudeGainMeter   *float64 `json:"altitude_gain_meter"`
		AltitudeChangeMeter *float64 `json:"altitude_change_meter"`
	} `json:"score"`
}
