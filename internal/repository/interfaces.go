// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// TokenRepository は現在のOAuth2認証情報の永続化インターフェース。
// 保存される認証情報は常に1件のみ。
type TokenRepository interface {
	// Get は現在の認証情報を取得する。未保存の場合はnilを返す。
	Get(ctx context.Context) (*model.Credential, error)

	// Save は認証情報を上書き保存し、Versionを1つ進めた保存後の値を返す。
	Save(ctx context.Context, cred *model.Credential) (*model.Credential, error)

	// Reset は保存済みの認証情報を削除する。
	Reset(ctx context.Context) error
}

// RawRepository は生データの永続化インターフェース。
// レコードは (ResourceType, NaturalID) で一意であり、常に丸ごと置き換えられる。
type RawRepository interface {
	// Upsert はレコードを挿入し、同じ自然IDが存在する場合は非正規化列・ペイロード・updated_atを置き換える。
	// 1レコードにつき1文で実行されるため、途中状態が読み取られることはない。
	Upsert(ctx context.Context, rec *model.RawRecord) error

	// DeleteRange は主タイムスタンプが [window.Start, window.End) に含まれるレコードを削除し、削除件数を返す。
	// model.WindowParentを持つリソースは親レコードの主タイムスタンプで判定する。
	DeleteRange(ctx context.Context, resource model.ResourceType, window model.RefreshWindow) (int64, error)

	// ListAfter は主タイムスタンプがafterより後のレコードを (start_time, natural_id) 順に最大limit件返す。
	// afterがnilの場合は先頭から返す。
	ListAfter(ctx context.Context, resource model.ResourceType, after *time.Time, limit int) ([]*model.RawRecord, error)

	// CountMissingStart は主タイムスタンプがNULLのレコード数を返す。
	// これらはListAfterの対象にならないため、変換ではスキップとして数える。
	CountMissingStart(ctx context.Context, resource model.ResourceType) (int64, error)

	// ListAt は主タイムスタンプがatと一致するレコードをすべて返す。
	ListAt(ctx context.Context, resource model.ResourceType, at time.Time) ([]*model.RawRecord, error)

	// Truncate は指定リソースのテーブルを空にする。
	Truncate(ctx context.Context, resources []model.ResourceType) error

	// Count はリソースのレコード件数を返す。
	Count(ctx context.Context, resource model.ResourceType) (int64, error)
}

// CanonicalRepository は統合レイヤーとウォーターマークの永続化インターフェース。
type CanonicalRepository interface {
	// GetWatermark はパイプラインのウォーターマークを取得する。未作成の場合はnilを返す。
	GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error)

	// CommitBatch は変換結果のupsertとウォーターマークの前進を同一トランザクションで実行する。
	// maxSeenがnilの場合はウォーターマークを変更しない。ウォーターマークは後退しない。
	CommitBatch(ctx context.Context, batch *CanonicalBatch) error

	// ResetWatermarks は統合テーブルに紐づくウォーターマークを削除する。
	ResetWatermarks(ctx context.Context, table model.CanonicalTable) error

	// Count は統合テーブルの行数を返す。
	Count(ctx context.Context, table model.CanonicalTable) (int64, error)
}

// CanonicalBatch はCommitBatchの入力。
type CanonicalBatch struct {
	Pipeline string
	Table    model.CanonicalTable
	Records  []*model.CanonicalRecord
	MaxSeen  *time.Time
}

// IngestRunRepository は取り込み実行履歴の永続化インターフェース。
type IngestRunRepository interface {
	// Record は1リソース分の取り込み結果を記録する。
	Record(ctx context.Context, result *model.IngestResult) error

	// ListRecent は直近の実行結果を新しい順に最大limit件返す。
	ListRecent(ctx context.Context, limit int) ([]*model.IngestResult, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
