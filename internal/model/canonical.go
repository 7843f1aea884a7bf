package model

import (
	"encoding/json"
	"time"
)

// CanonicalTable は統合レイヤーのテーブル名を表す。
type CanonicalTable string

const (
	TableUserIdentity     CanonicalTable = "unified.user_identity"
	TableSleepSessions    CanonicalTable = "unified.sleep_sessions"
	TableWorkouts         CanonicalTable = "unified.workouts"
	TableBiometricsVitals CanonicalTable = "unified.biometrics_vitals"
	TableLabResults       CanonicalTable = "unified.lab_results"
)

// CanonicalRecord は統合レイヤーの1行を表す。
// SurrogateKeyは元データのフィールドから決定的に計算され、再導出しても重複しない。
type CanonicalRecord struct {
	Table           CanonicalTable
	SurrogateKey    string
	SourceSystem    SourceSystem
	SourceUserID    string
	InternalUserID  int64 // 書き込み時に解決される
	MeasurementTime time.Time
	// Fields は型付きのメトリクス列。nilはNULLとして書き込まれる。
	Fields          map[string]any
	SourceNaturalID string
	Lineage         json.RawMessage
}

// Watermark はパイプラインごとに処理済みの最大タイムスタンプを保持する。
// 値がnilの場合は未実行（初回はフルバックフィル）を表す。
type Watermark struct {
	Pipeline       string
	CanonicalTable CanonicalTable
	MaxSeen        *time.Time
	UpdatedAt      time.Time
}
