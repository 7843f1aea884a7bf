package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/healthsync/internal/model"
)

func bufferedListener(t *testing.T) (*CallbackListener, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := NewCallbackListener("http://127.0.0.1:0/callback", "s1",
		slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	require.NoError(t, err)
	return l, &buf
}

func TestLogCallback_RecordsPresenceNotValues(t *testing.T) {
	l, buf := bufferedListener(t)
	h := l.logCallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?code=secret-code&state=secret-state", nil))

	assert.NotContains(t, buf.String(), "secret-code")
	assert.NotContains(t, buf.String(), "secret-state")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "oauth callback", entry["msg"])
	assert.Equal(t, "/callback", entry["path"])
	assert.Equal(t, float64(http.StatusOK), entry["http_status"])
	assert.Equal(t, true, entry["has_code"])
	assert.Equal(t, true, entry["has_state"])
	assert.Contains(t, entry, "duration_ms")
}

func TestLogCallback_LevelByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"2xx is INFO", http.StatusOK, "INFO"},
		{"4xx is WARN", http.StatusBadRequest, "WARN"},
		{"5xx is ERROR", http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := bufferedListener(t)
			h := l.logCallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback", nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
		})
	}
}

func TestRecoverCallback_DeliversAuthenticationError(t *testing.T) {
	l, buf := bufferedListener(t)
	h := l.recoverCallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "oauth callback panicked")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := l.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindAuthentication, model.KindOf(err))
}

func TestNoStore_SetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	noStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/callback", nil))

	want := map[string]string{
		"Cache-Control":           "no-store",
		"Referrer-Policy":         "no-referrer",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
	}
	for k, v := range want {
		assert.Equal(t, v, w.Header().Get(k), k)
	}
}
