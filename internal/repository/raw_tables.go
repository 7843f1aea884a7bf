package repository

import (
	"fmt"
	"strings"

	"github.com/hitoshi/healthsync/internal/model"
)

// rawTable は生データテーブルの定義。
// columns はリソース固有の非正規化列で、RawRecord.Fieldsのキーと一致する。
type rawTable struct {
	name    string
	columns []string
}

// rawTables はリソース種別から生データテーブルへの静的な対応表。
// SQLに埋め込むテーブル名・列名はこの表からのみ取得する。
var rawTables = map[model.ResourceType]rawTable{
	model.ResourceWhoopProfile: {
		name:    "raw_whoop.user_profile",
		columns: []string{"email", "first_name", "last_name"},
	},
	model.ResourceWhoopBody: {
		name:    "raw_whoop.body_measurement",
		columns: []string{"height_meter", "weight_kilogram", "max_heart_rate"},
	},
	model.ResourceWhoopCycle: {
		name: "raw_whoop.cycles",
		columns: []string{
			"timezone_offset", "score_state", "strain", "kilojoule",
			"average_heart_rate", "max_heart_rate",
		},
	},
	model.ResourceWhoopSleep: {
		name: "raw_whoop.sleeps",
		columns: []string{
			"cycle_id", "nap", "score_state", "respiratory_rate",
			"sleep_performance_percentage", "sleep_consistency_percentage", "sleep_efficiency_percentage",
			"total_in_bed_time_milli", "total_awake_time_milli", "total_light_sleep_time_milli",
			"total_slow_wave_sleep_time_milli", "total_rem_sleep_time_milli", "disturbance_count",
		},
	},
	model.ResourceWhoopRecovery: {
		name: "raw_whoop.recoveries",
		columns: []string{
			"sleep_id", "score_state", "recovery_score", "resting_heart_rate",
			"hrv_rmssd_milli", "spo2_percentage", "skin_temp_celsius", "user_calibrating",
		},
	},
	model.ResourceWhoopWorkout: {
		name: "raw_whoop.workouts",
		columns: []string{
			"sport_name", "score_state", "strain", "kilojoule", "average_heart_rate", "max_heart_rate",
			"percent_recorded", "distance_meter", "altitude_gain_meter", "altitude_change_meter",
		},
	},
	model.ResourceQuestPatient: {
		name:    "raw_quest.patients",
		columns: []string{"given_name", "family_name", "birth_date", "gender"},
	},
	model.ResourceQuestObservation: {
		name:    "raw_quest.observations",
		columns: []string{"status", "loinc_code"},
	},
}

// RawColumns はリソースの非正規化列名を返す。未知のリソースの場合はnilを返す。
func RawColumns(resource model.ResourceType) []string {
	t, ok := rawTables[resource]
	if !ok {
		return nil
	}
	return t.columns
}

func lookupRawTable(resource model.ResourceType) (rawTable, error) {
	t, ok := rawTables[resource]
	if !ok {
		return rawTable{}, fmt.Errorf("unknown resource type: %s", resource)
	}
	return t, nil
}

// rawBaseColumns は全生データテーブル共通の列（payload以外）。
var rawBaseColumns = []string{"natural_id", "user_id", "start_time", "end_time"}

// upsertSQL は (natural_id) 衝突時に全列を置き換えるINSERT文を組み立てる。
// created_at は初回挿入時の値を維持する。
func (t rawTable) upsertSQL() string {
	cols := make([]string, 0, len(rawBaseColumns)+len(t.columns)+3)
	cols = append(cols, rawBaseColumns...)
	cols = append(cols, t.columns...)
	cols = append(cols, "payload", "created_at", "updated_at")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "natural_id" || c == "created_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (natural_id) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(sets, ", "),
	)
}

// deleteRangeSQL はウィンドウ [$1, $2) に属するレコードを削除するDELETE文を組み立てる。
// 親リソースを持つリソースは、natural_idが一致する親レコードの主タイムスタンプで判定する。
func deleteRangeSQL(resource model.ResourceType) (string, error) {
	table, err := lookupRawTable(resource)
	if err != nil {
		return "", err
	}
	parent, ok := model.WindowParent(resource)
	if !ok {
		return fmt.Sprintf(`DELETE FROM %s WHERE start_time >= $1 AND start_time < $2`, table.name), nil
	}
	parentTable, err := lookupRawTable(parent)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`DELETE FROM %s WHERE natural_id IN (SELECT natural_id FROM %s WHERE start_time >= $1 AND start_time < $2)`,
		table.name, parentTable.name,
	), nil
}

// rawSelectColumns はRawRecordの復元に必要な列。非正規化列はペイロードから再導出できるため読まない。
const rawSelectColumns = "natural_id, user_id, start_time, end_time, payload, created_at, updated_at"
