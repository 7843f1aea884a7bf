package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/healthsync/internal/model"
)

func startListener(t *testing.T, state string) *CallbackListener {
	t.Helper()
	l, err := NewCallbackListener("http://127.0.0.1:0/callback", state, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l
}

func hit(t *testing.T, l *CallbackListener, params url.Values) *http.Response {
	t.Helper()
	resp, err := http.Get(l.RedirectURL() + "?" + params.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestCallbackListener_AcceptsMatchingState(t *testing.T) {
	l := startListener(t, "s1")

	resp := hit(t, l, url.Values{"code": {"c1"}, "state": {"s1"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := l.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", code)
}

func TestCallbackListener_RejectsInvalidCallbacks(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
	}{
		{"state mismatch", url.Values{"code": {"c"}, "state": {"other"}}},
		{"missing state", url.Values{"code": {"c"}}},
		{"missing code", url.Values{"state": {"s1"}}},
		{"provider error", url.Values{"error": {"access_denied"}, "state": {"s1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := startListener(t, "s1")
			resp := hit(t, l, tt.params)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			_, err := l.Wait(context.Background())
			assert.Equal(t, model.KindAuthentication, model.KindOf(err))
		})
	}
}

func TestCallbackListener_OnlyFirstCallbackIsAccepted(t *testing.T) {
	l := startListener(t, "s1")

	first := hit(t, l, url.Values{"code": {"c1"}, "state": {"s1"}})
	second := hit(t, l, url.Values{"code": {"c2"}, "state": {"s1"}})
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusGone, second.StatusCode)

	code, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", code)
}

func TestCallbackListener_OtherPathsAreNotFound(t *testing.T) {
	l := startListener(t, "s1")
	u, _ := url.Parse(l.RedirectURL())
	u.Path = "/favicon.ico"
	resp, err := http.Get(u.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewCallbackListener_RejectsNonHTTP(t *testing.T) {
	_, err := NewCallbackListener("https://example.com/callback", "s", nil)
	assert.Error(t, err)
}
