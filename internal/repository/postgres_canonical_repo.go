package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/healthsync/internal/model"
)

// PostgresCanonicalRepo はPostgreSQLを使用した統合レイヤーリポジトリ。
type PostgresCanonicalRepo struct {
	db *sql.DB
}

// NewPostgresCanonicalRepo はPostgresCanonicalRepoを生成する。
func NewPostgresCanonicalRepo(db *sql.DB) *PostgresCanonicalRepo {
	return &PostgresCanonicalRepo{db: db}
}

// GetWatermark はパイプラインのウォーターマークを取得する。未作成の場合はnilを返す。
func (r *PostgresCanonicalRepo) GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error) {
	wm := &model.Watermark{Pipeline: pipeline}
	var table string
	var maxSeen sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT canonical_table, max_seen, updated_at FROM meta.watermarks WHERE pipeline = $1`,
		pipeline,
	).Scan(&table, &maxSeen, &wm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ウォーターマークの取得に失敗しました (%s): %w", pipeline, err)
	}

	wm.CanonicalTable = model.CanonicalTable(table)
	wm.MaxSeen = nullTimeValue(maxSeen)
	return wm, nil
}

// CommitBatch は統合レコードのupsertとウォーターマークの前進を同一トランザクションで実行する。
// いずれかの書き込みが失敗した場合はロールバックされ、ウォーターマークは変わらない。
func (r *PostgresCanonicalRepo) CommitBatch(ctx context.Context, batch *CanonicalBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	users := make(map[string]int64)
	for _, rec := range batch.Records {
		if rec.Table == model.TableUserIdentity {
			if _, err := upsertIdentity(ctx, tx, rec.SourceSystem, rec.SourceUserID, rec.Fields); err != nil {
				return err
			}
			continue
		}

		cacheKey := string(rec.SourceSystem) + "|" + rec.SourceUserID
		internalID, ok := users[cacheKey]
		if !ok {
			internalID, err = upsertIdentity(ctx, tx, rec.SourceSystem, rec.SourceUserID, nil)
			if err != nil {
				return err
			}
			users[cacheKey] = internalID
		}
		rec.InternalUserID = internalID

		if err := upsertCanonical(ctx, tx, rec); err != nil {
			return err
		}
	}

	// ウォーターマークはすべての書き込みの後、同じトランザクションの最後に前進させる
	if batch.MaxSeen != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta.watermarks (pipeline, canonical_table, max_seen, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (pipeline) DO UPDATE SET
			    max_seen = GREATEST(meta.watermarks.max_seen, EXCLUDED.max_seen),
			    updated_at = now()`,
			batch.Pipeline, string(batch.Table), batch.MaxSeen.UTC(),
		)
		if err != nil {
			return fmt.Errorf("ウォーターマークの更新に失敗しました (%s): %w", batch.Pipeline, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// upsertIdentity は (source_system, source_user_id) の内部ユーザーIDを取得または作成する。
// attrsに含まれる属性はNULLでない値のみ反映する。
func upsertIdentity(ctx context.Context, tx *sql.Tx, source model.SourceSystem, sourceUserID string, attrs map[string]any) (int64, error) {
	if sourceUserID == "" {
		return 0, fmt.Errorf("source user id is empty: source=%s", source)
	}

	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO unified.user_identity AS u (source_system, source_user_id, email, first_name, last_name)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_system, source_user_id) DO UPDATE SET
		    email = COALESCE(EXCLUDED.email, u.email),
		    first_name = COALESCE(EXCLUDED.first_name, u.first_name),
		    last_name = COALESCE(EXCLUDED.last_name, u.last_name),
		    last_seen = now()
		 RETURNING internal_user_id`,
		string(source), sourceUserID, attrs["email"], attrs["first_name"], attrs["last_name"],
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ユーザー識別情報の解決に失敗しました (%s/%s): %w", source, sourceUserID, err)
	}
	return id, nil
}

func upsertCanonical(ctx context.Context, tx *sql.Tx, rec *model.CanonicalRecord) error {
	table, err := lookupCanonicalTable(rec.Table)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(table.columns)+6)
	args = append(args, rec.SurrogateKey, rec.InternalUserID, rec.MeasurementTime.UTC())
	for _, c := range table.columns {
		args = append(args, rec.Fields[c])
	}
	args = append(args, string(rec.SourceSystem), rec.SourceNaturalID, string(rec.Lineage))

	if _, err := tx.ExecContext(ctx, table.upsertSQL(), args...); err != nil {
		return fmt.Errorf("統合レコードのupsertに失敗しました (%s/%s): %w", rec.Table, rec.SourceNaturalID, err)
	}
	return nil
}

// ResetWatermarks は統合テーブルに紐づくウォーターマークを削除する。
func (r *PostgresCanonicalRepo) ResetWatermarks(ctx context.Context, table model.CanonicalTable) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM meta.watermarks WHERE canonical_table = $1`, string(table)); err != nil {
		return fmt.Errorf("ウォーターマークの削除に失敗しました (%s): %w", table, err)
	}
	return nil
}

// Count は統合テーブルの行数を返す。
func (r *PostgresCanonicalRepo) Count(ctx context.Context, table model.CanonicalTable) (int64, error) {
	name := "unified.user_identity"
	if table != model.TableUserIdentity {
		t, err := lookupCanonicalTable(table)
		if err != nil {
			return 0, err
		}
		name = t.name
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("件数の取得に失敗しました (%s): %w", table, err)
	}
	return n, nil
}
