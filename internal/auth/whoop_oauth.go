// Package auth はWHOOP APIのOAuth2認可コードフローとトークンのライフサイクルを管理する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/healthsync/internal/config"
	"github.com/hitoshi/healthsync/internal/model"
)

// defaultTokenLifetime はexpires_inが返されなかった場合の有効期間。
const defaultTokenLifetime = 3600 * time.Second

// OAuthProvider はOAuth2プロバイダーとのやり取りを抽象化する。
type OAuthProvider interface {
	// AuthCodeURL は同意画面のURLを生成する。
	AuthCodeURL(state, redirectURL string) string
	// Exchange は認可コードを認証情報に交換する。
	Exchange(ctx context.Context, code, redirectURL string) (*model.Credential, error)
	// Refresh はリフレッシュトークンで認証情報を更新する。
	Refresh(ctx context.Context, refreshToken string) (*model.Credential, error)
}

// WhoopOAuthConfig はWHOOP OAuthプロバイダーの設定。
type WhoopOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	HTTPClient *http.Client
}

// WhoopOAuthProvider はgolang.org/x/oauth2によるWHOOPの認可を提供する。
type WhoopOAuthProvider struct {
	config     oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

var _ OAuthProvider = (*WhoopOAuthProvider)(nil)

// NewWhoopOAuthProvider はWhoopOAuthProviderを生成する。
func NewWhoopOAuthProvider(cfg WhoopOAuthConfig) *WhoopOAuthProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = config.DefaultWhoopAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = config.DefaultWhoopTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = strings.Fields(config.DefaultWhoopScopes)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhoopOAuthProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: client,
		now:        time.Now,
	}
}

// NewWhoopOAuthProviderFromConfig はアプリケーション設定からプロバイダーを生成する。
func NewWhoopOAuthProviderFromConfig(cfg *config.Config) *WhoopOAuthProvider {
	return NewWhoopOAuthProvider(WhoopOAuthConfig{
		ClientID:     cfg.WhoopClientID,
		ClientSecret: cfg.WhoopClientSecret,
		RedirectURL:  cfg.WhoopRedirectURL,
		Scopes:       cfg.WhoopScopes,
		AuthURL:      cfg.WhoopAuthURL,
		TokenURL:     cfg.WhoopTokenURL,
	})
}

// AuthCodeURL は同意画面のURLを生成する。redirectURLが空の場合は設定値を使う。
func (p *WhoopOAuthProvider) AuthCodeURL(state, redirectURL string) string {
	var opts []oauth2.AuthCodeOption
	if redirectURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURL))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange は認可コードをアクセストークンに交換する。
func (p *WhoopOAuthProvider) Exchange(ctx context.Context, code, redirectURL string) (*model.Credential, error) {
	var opts []oauth2.AuthCodeOption
	if redirectURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURL))
	}
	tok, err := p.config.Exchange(p.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, classifyOAuthError("認可コードの交換", err)
	}
	return p.credentialFromToken(tok, "")
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにリフレッシュトークンが含まれない場合は既存のものを引き継ぐ。
func (p *WhoopOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*model.Credential, error) {
	if refreshToken == "" {
		return nil, model.NewAuthenticationError("リフレッシュトークンがありません", nil)
	}
	src := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError("トークンのリフレッシュ", err)
	}
	return p.credentialFromToken(tok, refreshToken)
}

func (p *WhoopOAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// credentialFromToken はoauth2.TokenをCredentialに変換する。
func (p *WhoopOAuthProvider) credentialFromToken(tok *oauth2.Token, previousRefresh string) (*model.Credential, error) {
	if tok.AccessToken == "" {
		return nil, model.NewAuthenticationError("レスポンスにアクセストークンが含まれていません", nil)
	}
	now := p.now().UTC()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultTokenLifetime)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	scope, _ := tok.Extra("scope").(string)
	if scope == "" {
		scope = strings.Join(p.config.Scopes, " ")
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Scope:        scope,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt.UTC(),
		IssuedAt:     now,
	}, nil
}

// classifyOAuthError はトークンエンドポイントのエラーを分類する。
// 5xxと通信エラーは一時的なエラー、それ以外の拒否は認証エラーとする。
func classifyOAuthError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return model.NewTransientNetworkError(fmt.Sprintf("%s (status=%d)", op, re.Response.StatusCode), err)
		}
		reason := op
		if re.ErrorCode != "" {
			reason = fmt.Sprintf("%s (%s)", op, re.ErrorCode)
		}
		return model.NewAuthenticationError(reason, err)
	}
	return model.NewTransientNetworkError(op, err)
}
