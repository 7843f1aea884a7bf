package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// PostgresRawRepo はPostgreSQLを使用した生データリポジトリ。
type PostgresRawRepo struct {
	db *sql.DB
}

// NewPostgresRawRepo はPostgresRawRepoを生成する。
func NewPostgresRawRepo(db *sql.DB) *PostgresRawRepo {
	return &PostgresRawRepo{db: db}
}

// Upsert はレコードを挿入または置き換える。
func (r *PostgresRawRepo) Upsert(ctx context.Context, rec *model.RawRecord) error {
	table, err := lookupRawTable(rec.ResourceType)
	if err != nil {
		return err
	}
	if rec.NaturalID == "" {
		return fmt.Errorf("natural id is empty: resource=%s", rec.ResourceType)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("payload is not valid JSON: resource=%s natural_id=%s", rec.ResourceType, rec.NaturalID)
	}

	args := upsertArgs(table, rec)
	if _, err := r.db.ExecContext(ctx, table.upsertSQL(), args...); err != nil {
		return fmt.Errorf("生データのupsertに失敗しました (%s/%s): %w", rec.ResourceType, rec.NaturalID, err)
	}
	return nil
}

// upsertArgs はupsertSQLの列順に対応する引数を組み立てる。
func upsertArgs(table rawTable, rec *model.RawRecord) []any {
	updatedAt := rec.UpdatedAt.UTC()
	createdAt := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		createdAt = updatedAt
	}

	args := make([]any, 0, len(rawBaseColumns)+len(table.columns)+3)
	args = append(args, rec.NaturalID, rec.UserID, nullTime(rec.StartTime), nullTime(rec.EndTime))
	for _, c := range table.columns {
		args = append(args, rec.Fields[c])
	}
	// lib/pqは[]byteをbyteaとして送るため、jsonb列には文字列で渡す
	args = append(args, string(rec.Payload), createdAt, updatedAt)
	return args
}

// DeleteRange は主タイムスタンプが [Start, End) のレコードを削除する。
// リカバリーは対応するサイクルの開始時刻で判定するため、サイクルより先に削除する必要がある。
func (r *PostgresRawRepo) DeleteRange(ctx context.Context, resource model.ResourceType, window model.RefreshWindow) (int64, error) {
	query, err := deleteRangeSQL(resource)
	if err != nil {
		return 0, err
	}
	if !window.Valid() {
		return 0, fmt.Errorf("invalid window: %s", window)
	}

	res, err := r.db.ExecContext(ctx, query, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return 0, fmt.Errorf("生データの範囲削除に失敗しました (%s %s): %w", resource, window, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListAfter は主タイムスタンプがafterより後のレコードを順序付きで返す。
// 主タイムスタンプがNULLのレコードは対象外。
func (r *PostgresRawRepo) ListAfter(ctx context.Context, resource model.ResourceType, after *time.Time, limit int) ([]*model.RawRecord, error) {
	table, err := lookupRawTable(resource)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if after == nil {
		rows, err = r.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
			 WHERE start_time IS NOT NULL
			 ORDER BY start_time, natural_id
			 LIMIT $1`, rawSelectColumns, table.name),
			limit,
		)
	} else {
		rows, err = r.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
			 WHERE start_time > $1
			 ORDER BY start_time, natural_id
			 LIMIT $2`, rawSelectColumns, table.name),
			after.UTC(), limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("生データの取得に失敗しました (%s): %w", resource, err)
	}
	defer rows.Close()

	return scanRawRecords(rows, resource)
}

// CountMissingStart は主タイムスタンプがNULLのレコード数を返す。
func (r *PostgresRawRepo) CountMissingStart(ctx context.Context, resource model.ResourceType) (int64, error) {
	table, err := lookupRawTable(resource)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE start_time IS NULL`, table.name),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("生データの件数取得に失敗しました (%s): %w", resource, err)
	}
	return n, nil
}

// ListAt は主タイムスタンプがatと一致するレコードを返す。
func (r *PostgresRawRepo) ListAt(ctx context.Context, resource model.ResourceType, at time.Time) ([]*model.RawRecord, error) {
	table, err := lookupRawTable(resource)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE start_time = $1 ORDER BY natural_id`, rawSelectColumns, table.name),
		at.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("生データの取得に失敗しました (%s): %w", resource, err)
	}
	defer rows.Close()

	return scanRawRecords(rows, resource)
}

func scanRawRecords(rows *sql.Rows, resource model.ResourceType) ([]*model.RawRecord, error) {
	var records []*model.RawRecord
	for rows.Next() {
		rec := &model.RawRecord{ResourceType: resource}
		var start, end sql.NullTime
		var payload []byte
		if err := rows.Scan(&rec.NaturalID, &rec.UserID, &start, &end, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("生データのスキャンに失敗しました: %w", err)
		}
		rec.StartTime = nullTimeValue(start)
		rec.EndTime = nullTimeValue(end)
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("生データの読み取り中にエラーが発生しました: %w", err)
	}
	return records, nil
}

// Truncate は指定リソースのテーブルを1トランザクションで空にする。
func (r *PostgresRawRepo) Truncate(ctx context.Context, resources []model.ResourceType) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, res := range resources {
		table, err := lookupRawTable(res)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table.name)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Count はリソースのレコード件数を返す。
func (r *PostgresRawRepo) Count(ctx context.Context, resource model.ResourceType) (int64, error) {
	table, err := lookupRawTable(resource)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table.name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("件数の取得に失敗しました (%s): %w", resource, err)
	}
	return n, nil
}
