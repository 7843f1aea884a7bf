// Package model はドメインモデルを定義する。
package model

import "time"

// Credential はOAuth2プロバイダーから取得した現在の認証情報を表す。
// 同時に「現在」の認証情報は1つだけ存在し、保存のたびにVersionが増える。
type Credential struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	TokenType    string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	Version      int64
}

// ValidFor はnow時点から少なくともmargin以上有効かどうかを返す。
// 有効期限がmargin以内に迫っている認証情報は期限切れとして扱う。
func (c *Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.After(now.Add(margin))
}

// CanRefresh はリフレッシュトークンを保持しているかどうかを返す。
func (c *Credential) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}
