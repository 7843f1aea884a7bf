package transform

import (
	"fmt"

	"github.com/hitoshi/healthsync/internal/model"
)

// Pipeline は1つの生データリソースから1つの統合テーブルへの変換。
// ウォーターマークはパイプライン単位で保持する。
type Pipeline struct {
	Table    model.CanonicalTable
	Resource model.ResourceType
	Map      MapFunc
}

// Name はウォーターマークのキーとなるパイプライン名を返す。
func (p Pipeline) Name() string {
	return fmt.Sprintf("%s/%s", p.Table, p.Resource)
}

// DefaultPipelines は統合テーブルごとの変換定義を返す。
// 識別情報を先に補完するためuser_identityを先頭に置く。
func DefaultPipelines() []Pipeline {
	return []Pipeline{
		{Table: model.TableUserIdentity, Resource: model.ResourceWhoopProfile, Map: MapProfileIdentity},
		{Table: model.TableUserIdentity, Resource: model.ResourceQuestPatient, Map: MapPatientIdentity},
		{Table: model.TableSleepSessions, Resource: model.ResourceWhoopSleep, Map: MapSleepSession},
		{Table: model.TableWorkouts, Resource: model.ResourceWhoopWorkout, Map: MapWorkout},
		{Table: model.TableBiometricsVitals, Resource: model.ResourceWhoopRecovery, Map: MapRecoveryVitals},
		{Table: model.TableBiometricsVitals, Resource: model.ResourceWhoopSleep, Map: MapSleepVitals},
		{Table: model.TableBiometricsVitals, Resource: model.ResourceWhoopCycle, Map: MapCycleVitals},
		{Table: model.TableLabResults, Resource: model.ResourceQuestObservation, Map: MapLabResult},
	}
}

// Tables は変換対象の統合テーブルを定義順に重複なく返す。
func Tables(pipelines []Pipeline) []model.CanonicalTable {
	seen := make(map[model.CanonicalTable]bool)
	var out []model.CanonicalTable
	for _, p := range pipelines {
		if !seen[p.Table] {
			seen[p.Table] = true
			out = append(out, p.Table)
		}
	}
	return out
}

// ParseTable は "sleep_sessions" または "unified.sleep_sessions" 形式のテーブル名を解決する。
func ParseTable(pipelines []Pipeline, name string) (model.CanonicalTable, error) {
	for _, t := range Tables(pipelines) {
		if string(t) == name || string(t) == "unified."+name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown canonical table: %s", name)
}
