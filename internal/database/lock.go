package database

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLocker はPostgreSQLのセッションレベルアドバイザリロックでキー単位の排他を提供する。
// ロックは専用の接続に紐づくため、解放するまで接続を保持する。
type AdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker はAdvisoryLockerを生成する。
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// TryLock はkeyに対するロックの取得を試みる。
// 他のセッションが保持している場合は待たずにok=falseを返す。
// 取得できた場合は必ずreleaseを呼ぶこと。
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (release func(), ok bool, err error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock %q: %w", key, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		// 呼び出し元のctxがキャンセル済みでも解放できるよう独立したコンテキストを使う
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key)
		conn.Close()
	}
	return release, true, nil
}
