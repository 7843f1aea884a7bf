package repository

import (
	"fmt"
	"strings"

	"github.com/hitoshi/healthsync/internal/model"
)

// canonicalTable は統合テーブルの定義。
// timeColumn はCanonicalRecord.MeasurementTimeを書き込む列、columns はFieldsのキーと一致する。
type canonicalTable struct {
	name       string
	timeColumn string
	columns    []string
}

var canonicalTables = map[model.CanonicalTable]canonicalTable{
	model.TableSleepSessions: {
		name:       "unified.sleep_sessions",
		timeColumn: "start_time",
		columns: []string{
			"end_time", "duration_minutes", "efficiency_pct", "rem_minutes", "deep_minutes",
			"light_minutes", "awake_minutes", "respiratory_rate", "is_nap",
		},
	},
	model.TableWorkouts: {
		name:       "unified.workouts",
		timeColumn: "start_time",
		columns: []string{
			"end_time", "sport", "average_hr", "max_hr", "strain", "energy_kj",
			"distance_m", "altitude_gain_m", "altitude_change_m",
		},
	},
	model.TableBiometricsVitals: {
		name:       "unified.biometrics_vitals",
		timeColumn: "recorded_at",
		columns:    []string{"type", "value_num", "unit"},
	},
	model.TableLabResults: {
		name:       "unified.lab_results",
		timeColumn: "collected_at",
		columns: []string{
			"loinc_code", "test_name", "value_num", "value_text", "unit",
			"reference_low", "reference_high", "abnormal_flag",
		},
	},
}

// identityColumns はunified.user_identityで補完される属性列。
var identityColumns = []string{"email", "first_name", "last_name"}

// CanonicalColumns は統合テーブルのメトリクス列名を返す。
func CanonicalColumns(table model.CanonicalTable) []string {
	if table == model.TableUserIdentity {
		return identityColumns
	}
	t, ok := canonicalTables[table]
	if !ok {
		return nil
	}
	return t.columns
}

func lookupCanonicalTable(table model.CanonicalTable) (canonicalTable, error) {
	t, ok := canonicalTables[table]
	if !ok {
		return canonicalTable{}, fmt.Errorf("unknown canonical table: %s", table)
	}
	return t, nil
}

// upsertSQL はsurrogate_key衝突時に全列を置き換えるINSERT文を組み立てる。
// 内容が変わらない場合は更新せず、updated_atも維持する。
func (t canonicalTable) upsertSQL() string {
	cols := []string{"surrogate_key", "internal_user_id", t.timeColumn}
	cols = append(cols, t.columns...)
	cols = append(cols, "source_system", "raw_source_id", "raw")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	updated := cols[1:]
	sets := make([]string, 0, len(updated)+1)
	current := make([]string, 0, len(updated))
	excluded := make([]string, 0, len(updated))
	for _, c := range updated {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		current = append(current, "t."+c)
		excluded = append(excluded, "EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = now()")

	return fmt.Sprintf(
		"INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (surrogate_key) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		t.name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
		strings.Join(current, ", "),
		strings.Join(excluded, ", "),
	)
}
