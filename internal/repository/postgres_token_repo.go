package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/healthsync/internal/model"
)

// PostgresTokenRepo はmeta.oauth_tokensの単一行に認証情報を保存するリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Get は現在の認証情報を取得する。未保存の場合はnilを返す。
func (r *PostgresTokenRepo) Get(ctx context.Context) (*model.Credential, error) {
	cred := &model.Credential{}
	var refreshToken, scope, tokenType sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, scope, token_type, expires_at, issued_at, version
		 FROM meta.oauth_tokens WHERE id = 1`,
	).Scan(&cred.AccessToken, &refreshToken, &scope, &tokenType, &cred.ExpiresAt, &cred.IssuedAt, &cred.Version)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}

	cred.RefreshToken = nullStringValue(refreshToken)
	cred.Scope = nullStringValue(scope)
	cred.TokenType = nullStringValue(tokenType)
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	cred.IssuedAt = cred.IssuedAt.UTC()
	return cred, nil
}

// Save は認証情報を上書き保存し、保存後のVersionを反映した値を返す。
// expires_atは常に保存されたトークンと同じ文で更新される。
func (r *PostgresTokenRepo) Save(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	saved := *cred
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO meta.oauth_tokens (id, access_token, refresh_token, scope, token_type, expires_at, issued_at, version, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, 1, now())
		 ON CONFLICT (id) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    scope = EXCLUDED.scope,
		    token_type = EXCLUDED.token_type,
		    expires_at = EXCLUDED.expires_at,
		    issued_at = EXCLUDED.issued_at,
		    version = meta.oauth_tokens.version + 1,
		    updated_at = now()
		 RETURNING version`,
		cred.AccessToken, nullString(cred.RefreshToken), nullString(cred.Scope), nullString(cred.TokenType),
		cred.ExpiresAt.UTC(), cred.IssuedAt.UTC(),
	).Scan(&saved.Version)
	if err != nil {
		return nil, fmt.Errorf("認証情報の保存に失敗しました: %w", err)
	}
	return &saved, nil
}

// Reset は保存済みの認証情報を削除する。
func (r *PostgresTokenRepo) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM meta.oauth_tokens`); err != nil {
		return fmt.Errorf("認証情報の削除に失敗しました: %w", err)
	}
	return nil
}
