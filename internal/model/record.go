package model

import (
	"encoding/json"
	"time"
)

// SourceSystem はデータ取得元のシステムを表す。
type SourceSystem string

const (
	// SourceWhoop はWHOOP APIを表す。
	SourceWhoop SourceSystem = "whoop"
	// SourceQuest はQuestの検査結果ドキュメントを表す。
	SourceQuest SourceSystem = "quest"
)

// ResourceType は生データのリソース種別を表す。
// 生データテーブルと1対1で対応する。
type ResourceType string

const (
	ResourceWhoopProfile     ResourceType = "whoop.profile"
	ResourceWhoopBody        ResourceType = "whoop.body_measurement"
	ResourceWhoopCycle       ResourceType = "whoop.cycles"
	ResourceWhoopSleep       ResourceType = "whoop.sleeps"
	ResourceWhoopRecovery    ResourceType = "whoop.recoveries"
	ResourceWhoopWorkout     ResourceType = "whoop.workouts"
	ResourceQuestPatient     ResourceType = "quest.patients"
	ResourceQuestObservation ResourceType = "quest.observations"
)

// RawRecord は取得元から受け取った1件のレコードを表す。
// (ResourceType, NaturalID) で一意に識別され、upsertで丸ごと置き換えられる。
type RawRecord struct {
	ResourceType ResourceType
	NaturalID    string
	UserID       string
	// StartTime は主タイムスタンプ。ウォーターマークの基準になる。
	// WindowParentを持たないリソースではウィンドウ削除の基準にもなる。
	StartTime *time.Time
	EndTime   *time.Time
	// Fields は非正規化したスカラー列。キーは列名。
	Fields    map[string]any
	Payload   json.RawMessage
	// CreatedAt とUpdatedAt は取得元の値（無い場合は取得時刻）。
	// 同じ上流データを再取り込みしても同一の行になる。
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source はRawRecordの取得元システムを返す。
func (r *RawRecord) Source() SourceSystem {
	switch r.ResourceType {
	case ResourceQuestPatient, ResourceQuestObservation:
		return SourceQuest
	default:
		return SourceWhoop
	}
}

// WindowParent はウィンドウの所属を親リソースの主タイムスタンプで判定するリソースについて、
// 親リソースとtrueを返す。
// リカバリーはAPIのstart/endがサイクルの開始時刻に適用されるため、
// 自身のcreated_atではなくサイクル（natural_idが同じ）の開始時刻で削除範囲を決める。
func WindowParent(resource ResourceType) (ResourceType, bool) {
	if resource == ResourceWhoopRecovery {
		return ResourceWhoopCycle, true
	}
	return "", false
}

// RefreshWindow は削除と再取得の対象となる [Start, End) の時間範囲。
// 永続化されず、1回のリフレッシュ処理の間だけ存在する。
type RefreshWindow struct {
	Start time.Time
	End   time.Time
}

// DailyWindow はnowの前日 00:00 UTC から当日 00:00 UTC までのウィンドウを返す。
func DailyWindow(now time.Time) RefreshWindow {
	u := now.UTC()
	today := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return RefreshWindow{Start: today.AddDate(0, 0, -1), End: today}
}

// Contains はtがウィンドウ内（Start以上End未満）にあるかを返す。
func (w RefreshWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Valid はStartがEndより前であるかを返す。
func (w RefreshWindow) Valid() bool {
	return w.Start.Before(w.End)
}

// String はログとエラーメッセージ用の表現を返す。
func (w RefreshWindow) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}
