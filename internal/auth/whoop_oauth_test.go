package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

func newTestProvider(tokenURL string) *WhoopOAuthProvider {
	p := NewWhoopOAuthProvider(WhoopOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8765/callback",
		TokenURL:     tokenURL,
	})
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return p
}

func TestWhoopOAuthProvider_AuthCodeURL_ContainsRequiredParams(t *testing.T) {
	provider := newTestProvider("")

	raw := provider.AuthCodeURL("test-state-value", "http://127.0.0.1:9999/callback")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid url: %v", err)
	}
	q := u.Query()

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"client_id", "client_id", "test-client-id"},
		{"redirect_uri", "redirect_uri", "http://127.0.0.1:9999/callback"},
		{"state", "state", "test-state-value"},
		{"response_type", "response_type", "code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.Get(tt.key); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
	if !strings.Contains(q.Get("scope"), "offline") {
		t.Errorf("scope should contain offline, got %q", q.Get("scope"))
	}
}

func TestWhoopOAuthProvider_Exchange_Success(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "auth-code" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("client_secret") != "test-client-secret" {
			t.Errorf("client_secret should be sent in params")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "test-access-token",
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "test-refresh-token",
			"scope":         "offline read:sleep",
		})
	}))
	defer tokenServer.Close()

	provider := newTestProvider(tokenServer.URL)
	cred, err := provider.Exchange(context.Background(), "auth-code", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "test-access-token" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	if cred.RefreshToken != "test-refresh-token" {
		t.Errorf("RefreshToken = %q", cred.RefreshToken)
	}
	if cred.Scope != "offline read:sleep" {
		t.Errorf("Scope = %q", cred.Scope)
	}
	if cred.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestWhoopOAuthProvider_Refresh_KeepsRefreshTokenAndDefaultsExpiry(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "bearer",
		})
	}))
	defer tokenServer.Close()

	provider := newTestProvider(tokenServer.URL)
	cred, err := provider.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.RefreshToken != "old-refresh" {
		t.Errorf("RefreshToken = %q, want old-refresh", cred.RefreshToken)
	}
	want := provider.now().Add(time.Hour)
	if !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}
}

func TestWhoopOAuthProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   model.ErrorKind
	}{
		{"invalid grant is authentication", http.StatusBadRequest, model.KindAuthentication},
		{"unauthorized is authentication", http.StatusUnauthorized, model.KindAuthentication},
		{"server error is transient", http.StatusServiceUnavailable, model.KindTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"invalid_grant"}`))
			}))
			defer srv.Close()

			_, err := newTestProvider(srv.URL).Refresh(context.Background(), "r")
			if got := model.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestWhoopOAuthProvider_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tokenURL := srv.URL
	srv.Close()

	_, err := newTestProvider(tokenURL).Exchange(context.Background(), "code", "")
	if got := model.KindOf(err); got != model.KindTransientNetwork {
		t.Errorf("kind = %q, want TRANSIENT_NETWORK (err=%v)", got, err)
	}
}

func TestWhoopOAuthProvider_RefreshWithoutToken(t *testing.T) {
	_, err := newTestProvider("").Refresh(context.Background(), "")
	if model.KindOf(err) != model.KindAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
}
