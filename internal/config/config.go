package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// WHOOP APIのデフォルトエンドポイント
const (
	DefaultWhoopAPIBaseURL = "https://api.prod.whoop.com/developer"
	DefaultWhoopAuthURL    = "https://api.prod.whoop.com/oauth/oauth2/auth"
	DefaultWhoopTokenURL   = "https://api.prod.whoop.com/oauth/oauth2/token"
	DefaultWhoopScopes     = "offline read:profile read:body_measurement read:cycles read:sleep read:recovery read:workout"
	DefaultRedirectURL     = "http://localhost:8765/callback"

	// MaxPageLimit はWHOOP APIが受け付けるページサイズの上限。
	MaxPageLimit = 25
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	WhoopClientID     string
	WhoopClientSecret string
	WhoopRedirectURL  string
	WhoopScopes       []string
	WhoopAuthURL      string
	WhoopTokenURL     string
	TokenSafetyMargin time.Duration
	AuthTimeout       time.Duration

	// Fetch
	WhoopAPIBaseURL          string
	RequestPageLimit         int
	FetchTimeout             time.Duration
	FetchMaxRetries          int
	FetchMaxRateLimitRetries int
	FetchBackoffBase         time.Duration
	FetchBackoffMax          time.Duration
	FetchRequestsPerMinute   int
	FetchMaxConcurrent       int

	// Transform
	TransformBatchSize int

	// Maintenance
	RunRetentionDays int

	// Logging
	LogLevel string

	// Observability
	OTLPEndpoint          string
	MetricsPushgatewayURL string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.WhoopClientID = os.Getenv("WHOOP_CLIENT_ID")
	if cfg.WhoopClientID == "" {
		missing = append(missing, "WHOOP_CLIENT_ID")
	}

	cfg.WhoopClientSecret = os.Getenv("WHOOP_CLIENT_SECRET")
	if cfg.WhoopClientSecret == "" {
		missing = append(missing, "WHOOP_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.WhoopRedirectURL = getEnvString("WHOOP_REDIRECT_URL", DefaultRedirectURL)
	cfg.WhoopScopes = strings.Fields(getEnvString("WHOOP_SCOPES", DefaultWhoopScopes))
	cfg.WhoopAuthURL = getEnvString("WHOOP_AUTH_URL", DefaultWhoopAuthURL)
	cfg.WhoopTokenURL = getEnvString("WHOOP_TOKEN_URL", DefaultWhoopTokenURL)
	cfg.TokenSafetyMargin = getEnvDuration("TOKEN_SAFETY_MARGIN", 2*time.Minute)
	cfg.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", 5*time.Minute)
	cfg.WhoopAPIBaseURL = strings.TrimRight(getEnvString("WHOOP_API_BASE_URL", DefaultWhoopAPIBaseURL), "/")
	cfg.RequestPageLimit = getEnvInt("REQUEST_PAGE_LIMIT", MaxPageLimit)
	if cfg.RequestPageLimit <= 0 || cfg.RequestPageLimit > MaxPageLimit {
		cfg.RequestPageLimit = MaxPageLimit
	}
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 60*time.Second)
	cfg.FetchMaxRetries = getEnvInt("FETCH_MAX_RETRIES", 5)
	cfg.FetchMaxRateLimitRetries = getEnvInt("FETCH_MAX_RATE_LIMIT_RETRIES", 7)
	cfg.FetchBackoffBase = getEnvDuration("FETCH_BACKOFF_BASE", 1*time.Second)
	cfg.FetchBackoffMax = getEnvDuration("FETCH_BACKOFF_MAX", 60*time.Second)
	cfg.FetchRequestsPerMinute = getEnvInt("FETCH_REQUESTS_PER_MINUTE", 100)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 4)
	cfg.TransformBatchSize = getEnvInt("TRANSFORM_BATCH_SIZE", 500)
	cfg.RunRetentionDays = getEnvInt("RUN_RETENTION_DAYS", 90)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.MetricsPushgatewayURL = getEnvString("METRICS_PUSHGATEWAY_URL", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
