package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/healthsync/internal/model"
)

type callbackResult struct {
	code string
	err  error
}

// CallbackListener はOAuth2リダイレクトを1回だけ受け付けるループバックHTTPリスナー。
type CallbackListener struct {
	scheme string
	host   string
	path   string
	state  string
	logger *slog.Logger

	ln     net.Listener
	server *http.Server
	once   sync.Once
	result chan callbackResult
}

// NewCallbackListener はリダイレクトURLのホストとパスで待ち受けるリスナーを生成する。
// ポートに0を指定した場合は空いているポートを使う。
func NewCallbackListener(redirectURL, state string, logger *slog.Logger) (*CallbackListener, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect url: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("redirect url must be an http loopback url: %s", redirectURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackListener{
		scheme: u.Scheme,
		host:   u.Host,
		path:   path,
		state:  state,
		logger: logger,
		result: make(chan callbackResult, 1),
	}, nil
}

// Start はリスナーを開いてバックグラウンドで待ち受けを開始する。
func (l *CallbackListener) Start() error {
	ln, err := net.Listen("tcp", l.host)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.host, err)
	}
	l.ln = ln

	r := chi.NewRouter()
	r.Use(l.recoverCallback, l.logCallback, noStore)
	r.Get(l.path, l.handleCallback)

	l.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("callback listener stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// RedirectURL は実際に待ち受けているアドレスのリダイレクトURLを返す。
func (l *CallbackListener) RedirectURL() string {
	host := l.host
	if l.ln != nil {
		host = l.ln.Addr().String()
	}
	return (&url.URL{Scheme: l.scheme, Host: host, Path: l.path}).String()
}

// Wait はコールバックを受け取るまで待ち、認可コードを返す。
func (l *CallbackListener) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-l.result:
		return res.code, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", model.NewAuthenticationError("認可コールバックがタイムアウトしました", ctx.Err())
		}
		return "", ctx.Err()
	}
}

// Shutdown はリスナーを停止する。
func (l *CallbackListener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// handleCallback は最初の1回のコールバックだけを処理する。
// stateが一致しない場合は認可を中止する。
func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	first := false
	l.once.Do(func() { first = true })
	if !first {
		http.Error(w, "callback already handled", http.StatusGone)
		return
	}

	q := r.URL.Query()
	var res callbackResult
	switch {
	case q.Get("error") != "":
		res.err = model.NewAuthenticationError(fmt.Sprintf("認可が拒否されました: %s", q.Get("error")), nil)
	case subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(l.state)) != 1:
		res.err = model.NewAuthenticationError("stateが一致しません", nil)
	case q.Get("code") == "":
		res.err = model.NewAuthenticationError("認可コードが含まれていません", nil)
	default:
		res.code = q.Get("code")
	}
	l.result <- res

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "Authorization failed. You can close this window.")
		return
	}
	fmt.Fprintln(w, "Authorization complete. You can close this window.")
}
