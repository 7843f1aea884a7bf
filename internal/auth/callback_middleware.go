package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// callbackRecorder はコールバック応答のステータスコードを記録する。
type callbackRecorder struct {
	http.ResponseWriter
	status int
}

func (cr *callbackRecorder) WriteHeader(code int) {
	if cr.status == 0 {
		cr.status = code
	}
	cr.ResponseWriter.WriteHeader(code)
}

func (cr *callbackRecorder) Write(b []byte) (int, error) {
	if cr.status == 0 {
		cr.status = http.StatusOK
	}
	return cr.ResponseWriter.Write(b)
}

// logCallback はコールバック要求を1行の構造化ログとして出力する。
// code と state の値は出力せず、パラメータの有無だけを記録する。
func (l *CallbackListener) logCallback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &callbackRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}

		q := r.URL.Query()
		l.logger.LogAttrs(r.Context(), level, "oauth callback",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("http_status", rec.status),
			slog.Bool("has_code", q.Get("code") != ""),
			slog.Bool("has_state", q.Get("state") != ""),
			slog.String("oauth_error", q.Get("error")),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

// recoverCallback はハンドラ内のpanicを認証エラーとして待機側に通知し、500を返す。
// 通知しないとWaitがタイムアウトまで戻らない。
func (l *CallbackListener) recoverCallback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			l.logger.Error("oauth callback panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			select {
			case l.result <- callbackResult{err: model.NewAuthenticationError("コールバック処理が異常終了しました", fmt.Errorf("panic: %v", p))}:
			default:
			}
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// noStore はコールバック応答のキャッシュとリファラ送信を禁止する。
// リダイレクトURLには認可コードが含まれる。
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}
