// Package cleanup は取り込み実行履歴の保持期間管理ジョブを提供する。
// 保持期間（デフォルト90日）を超過したmeta.ingest_runsの行を
// 日次処理の最後に削除する。生データと統合レイヤーは対象外。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は実行履歴の既定の保持日数。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunHistoryPruner は保持期間を超過した取り込み実行履歴を削除する。
// 削除対象がない場合もエラーにならず、何度実行しても結果は同じ。
type RunHistoryPruner struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewRunHistoryPruner はRunHistoryPrunerを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewRunHistoryPruner(db Executor, retentionDays int, logger *slog.Logger) *RunHistoryPruner {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &RunHistoryPruner{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はfinished_atがRetentionDays日前より古い履歴を削除し、削除件数を返す。
func (p *RunHistoryPruner) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	interval := fmt.Sprintf("%d days", p.RetentionDays)

	result, err := p.db.ExecContext(ctx,
		`DELETE FROM meta.ingest_runs WHERE finished_at < now() - $1::interval`, interval)
	if err != nil {
		p.logger.Error("failed to prune ingest runs",
			slog.String("error", err.Error()),
			slog.Int("retention_days", p.RetentionDays),
		)
		return 0, fmt.Errorf("実行履歴の削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	p.logger.Info("ingest runs pruned",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", p.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}
