package repository

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/healthsync/internal/model"
)

func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ TokenRepository = (*PostgresTokenRepo)(nil)
	var _ RawRepository = (*PostgresRawRepo)(nil)
	var _ CanonicalRepository = (*PostgresCanonicalRepo)(nil)
	var _ IngestRunRepository = (*PostgresIngestRunRepo)(nil)
}

func TestRawTable_UpsertSQL(t *testing.T) {
	table, err := lookupRawTable(model.ResourceWhoopCycle)
	require.NoError(t, err)

	sql := table.upsertSQL()

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO raw_whoop.cycles (natural_id, user_id, start_time, end_time, timezone_offset,"))
	assert.Contains(t, sql, "ON CONFLICT (natural_id) DO UPDATE SET")
	assert.Contains(t, sql, "payload = EXCLUDED.payload")
	assert.Contains(t, sql, "updated_at = EXCLUDED.updated_at")
	// 自然IDと初回作成時刻は更新しない
	assert.NotContains(t, sql, "natural_id = EXCLUDED.natural_id")
	assert.NotContains(t, sql, "created_at = EXCLUDED.created_at")

	// 列数とプレースホルダ数が一致する
	wantCols := len(rawBaseColumns) + len(table.columns) + 3
	assert.Contains(t, sql, "$"+strconv.Itoa(wantCols)+")")
	assert.NotContains(t, sql, "$"+strconv.Itoa(wantCols+1))
}

func TestUpsertArgs_OrderMatchesColumns(t *testing.T) {
	table, err := lookupRawTable(model.ResourceWhoopRecovery)
	require.NoError(t, err)

	rec := &model.RawRecord{
		ResourceType: model.ResourceWhoopRecovery,
		NaturalID:    "93845",
		UserID:       "10129",
		Fields: map[string]any{
			"sleep_id":       "ecfc6a15",
			"recovery_score": 44.0,
		},
		Payload: []byte(`{"cycle_id":93845}`),
	}

	args := upsertArgs(table, rec)
	require.Len(t, args, len(rawBaseColumns)+len(table.columns)+3)
	assert.Equal(t, "93845", args[0])
	assert.Equal(t, "10129", args[1])
	assert.Equal(t, "ecfc6a15", args[4])
	assert.Equal(t, 44.0, args[4+2])
	assert.Nil(t, args[4+3], "未設定の列はNULLになる")
	assert.Equal(t, `{"cycle_id":93845}`, args[len(args)-3])
}

func TestLookupRawTable_Unknown(t *testing.T) {
	_, err := lookupRawTable(model.ResourceType("whoop.unknown"))
	assert.Error(t, err)
	assert.Nil(t, RawColumns(model.ResourceType("whoop.unknown")))
}

func TestDeleteRangeSQL(t *testing.T) {
	tests := []struct {
		name     string
		resource model.ResourceType
		want     string
	}{
		{
			name:     "own start time",
			resource: model.ResourceWhoopSleep,
			want:     "DELETE FROM raw_whoop.sleeps WHERE start_time >= $1 AND start_time < $2",
		},
		{
			name:     "recoveries follow their cycle",
			resource: model.ResourceWhoopRecovery,
			want: "DELETE FROM raw_whoop.recoveries WHERE natural_id IN " +
				"(SELECT natural_id FROM raw_whoop.cycles WHERE start_time >= $1 AND start_time < $2)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deleteRangeSQL(tt.resource)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := deleteRangeSQL(model.ResourceType("whoop.unknown"))
	assert.Error(t, err)
}

func TestCanonicalTable_UpsertSQL(t *testing.T) {
	table, err := lookupCanonicalTable(model.TableBiometricsVitals)
	require.NoError(t, err)

	sql := table.upsertSQL()
	assert.Equal(t,
		"INSERT INTO unified.biometrics_vitals AS t (surrogate_key, internal_user_id, recorded_at, type, value_num, unit, source_system, raw_source_id, raw) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) "+
			"ON CONFLICT (surrogate_key) DO UPDATE SET internal_user_id = EXCLUDED.internal_user_id, recorded_at = EXCLUDED.recorded_at, type = EXCLUDED.type, value_num = EXCLUDED.value_num, unit = EXCLUDED.unit, source_system = EXCLUDED.source_system, raw_source_id = EXCLUDED.raw_source_id, raw = EXCLUDED.raw, updated_at = now() "+
			"WHERE (t.internal_user_id, t.recorded_at, t.type, t.value_num, t.unit, t.source_system, t.raw_source_id, t.raw) IS DISTINCT FROM (EXCLUDED.internal_user_id, EXCLUDED.recorded_at, EXCLUDED.type, EXCLUDED.value_num, EXCLUDED.unit, EXCLUDED.source_system, EXCLUDED.raw_source_id, EXCLUDED.raw)",
		sql,
	)
}

func TestCanonicalColumns(t *testing.T) {
	assert.Equal(t, []string{"email", "first_name", "last_name"}, CanonicalColumns(model.TableUserIdentity))
	assert.Contains(t, CanonicalColumns(model.TableSleepSessions), "is_nap")
	assert.Nil(t, CanonicalColumns(model.CanonicalTable("unified.unknown")))
}
