package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/healthsync/internal/model"
)

// PostgresIngestRunRepo はmeta.ingest_runsに取り込み結果を記録するリポジトリ。
type PostgresIngestRunRepo struct {
	db *sql.DB
}

// NewPostgresIngestRunRepo はPostgresIngestRunRepoを生成する。
func NewPostgresIngestRunRepo(db *sql.DB) *PostgresIngestRunRepo {
	return &PostgresIngestRunRepo{db: db}
}

// Record は1リソース分の取り込み結果を記録する。
func (r *PostgresIngestRunRepo) Record(ctx context.Context, result *model.IngestResult) error {
	var windowStart, windowEnd sql.NullTime
	if result.Window != nil {
		windowStart = sql.NullTime{Time: result.Window.Start.UTC(), Valid: true}
		windowEnd = sql.NullTime{Time: result.Window.End.UTC(), Valid: true}
	}
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO meta.ingest_runs (id, run_id, resource, window_start, window_end,
		                               fetched, stored, deleted, status, error_message,
		                               started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New().String(), result.RunID, string(result.Resource), windowStart, windowEnd,
		result.Fetched, result.Stored, result.Deleted, string(result.Status), nullString(errMsg),
		result.StartedAt.UTC(), result.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("取り込み履歴の記録に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は直近の実行結果を新しい順に返す。
func (r *PostgresIngestRunRepo) ListRecent(ctx context.Context, limit int) ([]*model.IngestResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, resource, window_start, window_end, fetched, stored, deleted,
		        status, error_message, started_at, finished_at
		 FROM meta.ingest_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("取り込み履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []*model.IngestResult
	for rows.Next() {
		res := &model.IngestResult{}
		var resource, status string
		var windowStart, windowEnd sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&res.RunID, &resource, &windowStart, &windowEnd,
			&res.Fetched, &res.Stored, &res.Deleted, &status, &errMsg,
			&res.StartedAt, &res.FinishedAt); err != nil {
			return nil, fmt.Errorf("取り込み履歴のスキャンに失敗しました: %w", err)
		}
		res.Resource = model.ResourceType(resource)
		res.Status = model.IngestStatus(status)
		if windowStart.Valid && windowEnd.Valid {
			res.Window = &model.RefreshWindow{Start: windowStart.Time.UTC(), End: windowEnd.Time.UTC()}
		}
		if errMsg.Valid {
			res.Err = errors.New(errMsg.String)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("取り込み履歴の読み取り中にエラーが発生しました: %w", err)
	}
	return results, nil
}
