package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
)

// TokenManagerOptions はTokenManagerの動作設定。
type TokenManagerOptions struct {
	// SafetyMargin は有効期限までの残り時間がこれ以下ならリフレッシュする閾値。
	SafetyMargin time.Duration
	RedirectURL  string
	AuthTimeout  time.Duration
	// OpenBrowser は同意画面URLを開く関数。nilの場合はOSの既定ブラウザを起動する。
	OpenBrowser func(url string) error
	// Out は同意画面URLの案内を書き出す先。nilの場合は標準エラー出力。
	Out io.Writer
}

// TokenManager は認証情報の取得・リフレッシュ・対話的認可を管理する。
// リフレッシュは同時に1つだけ実行される。
type TokenManager struct {
	store    repository.TokenRepository
	provider OAuthProvider
	opts     TokenManagerOptions
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewTokenManager はTokenManagerを生成する。
func NewTokenManager(store repository.TokenRepository, provider OAuthProvider, opts TokenManagerOptions, logger *slog.Logger) *TokenManager {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = 2 * time.Minute
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Minute
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = openBrowser
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		store:    store,
		provider: provider,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Obtain は保存済みの認証情報を読み出し、安全マージン以上有効な状態で返す。
// 保存済みの認証情報がない場合はAuthenticationErrorを返す。
func (m *TokenManager) Obtain(ctx context.Context) (*model.Credential, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, model.NewAuthenticationError("保存済みの認証情報がありません", nil)
	}
	return m.EnsureFresh(ctx, cred)
}

// EnsureFresh は少なくとも安全マージン以上有効な認証情報を返す。
// 期限が迫っている場合はリフレッシュし、更新後の認証情報を保存してから返す。
func (m *TokenManager) EnsureFresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if cred.ValidFor(m.now(), m.opts.SafetyMargin) {
		return cred, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 待機中に別のゴルーチンが更新している可能性があるため読み直す
	stored, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if stored == nil {
		return nil, model.NewAuthenticationError("保存済みの認証情報がありません", nil)
	}
	if stored.ValidFor(m.now(), m.opts.SafetyMargin) {
		return stored, nil
	}
	return m.refreshLocked(ctx, stored)
}

// ForceRefresh は401を受けた認証情報を強制的にリフレッシュする。
// staleより新しい有効な認証情報が既に保存されていればそれを返す。
func (m *TokenManager) ForceRefresh(ctx context.Context, stale *model.Credential) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if stored == nil {
		return nil, model.NewAuthenticationError("保存済みの認証情報がありません", nil)
	}
	if stale != nil && stored.Version != stale.Version && stored.ValidFor(m.now(), m.opts.SafetyMargin) {
		return stored, nil
	}
	return m.refreshLocked(ctx, stored)
}

// refreshLocked はmuを保持した状態で呼び出す。
func (m *TokenManager) refreshLocked(ctx context.Context, stored *model.Credential) (*model.Credential, error) {
	if !stored.CanRefresh() {
		return nil, model.NewAuthenticationError("リフレッシュトークンがありません", nil)
	}
	rotated, err := m.provider.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		return nil, err
	}
	if rotated.RefreshToken == "" {
		rotated.RefreshToken = stored.RefreshToken
	}
	saved, err := m.store.Save(ctx, rotated)
	if err != nil {
		return nil, fmt.Errorf("failed to save refreshed credential: %w", err)
	}
	m.logger.Info("access token refreshed",
		slog.Time("expires_at", saved.ExpiresAt),
		slog.Int64("version", saved.Version),
	)
	return saved, nil
}

// AuthorizeInteractive は認可コードフローを実行し、取得した認証情報を保存する。
// ループバックでコールバックを1回だけ受け付け、stateが一致しない場合は中止する。
func (m *TokenManager) AuthorizeInteractive(ctx context.Context) (*model.Credential, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	listener, err := NewCallbackListener(m.opts.RedirectURL, state, m.logger)
	if err != nil {
		return nil, err
	}
	if err := listener.Start(); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Shutdown(shutdownCtx)
	}()

	redirectURL := listener.RedirectURL()
	authURL := m.provider.AuthCodeURL(state, redirectURL)
	fmt.Fprintf(m.opts.Out, "Open the following URL in your browser to authorize:\n%s\n", authURL)
	if err := m.opts.OpenBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", slog.String("error", err.Error()))
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.AuthTimeout)
	defer cancel()
	code, err := listener.Wait(waitCtx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.provider.Exchange(ctx, code, redirectURL)
	if err != nil {
		return nil, err
	}
	saved, err := m.store.Save(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	m.logger.Info("authorization completed",
		slog.String("scope", saved.Scope),
		slog.Time("expires_at", saved.ExpiresAt),
	)
	return saved, nil
}

// Reset は保存済みの認証情報を削除する。
func (m *TokenManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Reset(ctx)
}

// generateState は暗号論的に安全なstateを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
