package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/healthsync/internal/auth"
	"github.com/hitoshi/healthsync/internal/config"
	"github.com/hitoshi/healthsync/internal/database"
	"github.com/hitoshi/healthsync/internal/ingest"
	"github.com/hitoshi/healthsync/internal/logger"
	"github.com/hitoshi/healthsync/internal/metrics"
	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/repository"
	"github.com/hitoshi/healthsync/internal/tracing"
	"github.com/hitoshi/healthsync/internal/transform"
	"github.com/hitoshi/healthsync/internal/worker/cleanup"
	"github.com/hitoshi/healthsync/internal/worker/fetch"
)

// serviceName はトレースとメトリクスのジョブ名。
const serviceName = "healthsync"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。コマンドの出力はstdoutに、ログはstderrに書き出す。
// SIGINTまたはSIGTERMを受信すると実行中の処理をキャンセルする。
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// ExitCode はエラーをプロセスの終了コードに変換する。
// 取り込みエラーの種別ごとに異なるコードを返し、それ以外の失敗は1を返す。
func ExitCode(err error) int {
	return model.ExitCode(err)
}

// runtime はコマンドの実行に必要な依存関係をまとめたもの。
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector

	tokens    *repository.PostgresTokenRepo
	raw       *repository.PostgresRawRepo
	runs      *repository.PostgresIngestRunRepo
	canonical *repository.PostgresCanonicalRepo

	shutdownTracing tracing.ShutdownFunc
}

// newRuntime はDB接続を開き、リポジトリとメトリクス・トレースを初期化する。
func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*runtime, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, 10*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	shutdown, err := tracing.Init(ctx, serviceName, cfg.OTLPEndpoint, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	return &runtime{
		cfg:             cfg,
		logger:          log,
		db:              db,
		registry:        registry,
		metrics:         metrics.NewCollector(registry),
		tokens:          repository.NewPostgresTokenRepo(db),
		raw:             repository.NewPostgresRawRepo(db),
		runs:            repository.NewPostgresIngestRunRepo(db),
		canonical:       repository.NewPostgresCanonicalRepo(db),
		shutdownTracing: shutdown,
	}, nil
}

// Close はメトリクスを送信し、トレースを停止してDB接続を閉じる。
// 呼び出し元のコンテキストがキャンセルされていても送信を試みる。
func (rt *runtime) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := metrics.Push(ctx, rt.cfg.MetricsPushgatewayURL, serviceName, rt.registry); err != nil {
		rt.logger.Warn("failed to push metrics", slog.String("error", err.Error()))
	}
	if err := rt.shutdownTracing(ctx); err != nil {
		rt.logger.Warn("failed to shut down tracing", slog.String("error", err.Error()))
	}
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// tokenManager は保存済み認証情報を管理するTokenManagerを生成する。
func (rt *runtime) tokenManager(out io.Writer) *auth.TokenManager {
	return auth.NewTokenManager(rt.tokens, auth.NewWhoopOAuthProviderFromConfig(rt.cfg), auth.TokenManagerOptions{
		SafetyMargin: rt.cfg.TokenSafetyMargin,
		RedirectURL:  rt.cfg.WhoopRedirectURL,
		AuthTimeout:  rt.cfg.AuthTimeout,
		Out:          out,
	}, rt.logger)
}

// fetcher はAPIクライアントを生成する。
func (rt *runtime) fetcher(tokens fetch.CredentialSource) *fetch.Fetcher {
	return fetch.NewFetcher(tokens, fetch.Options{
		BaseURL:             rt.cfg.WhoopAPIBaseURL,
		PageLimit:           rt.cfg.RequestPageLimit,
		Timeout:             rt.cfg.FetchTimeout,
		MaxRetries:          rt.cfg.FetchMaxRetries,
		MaxRateLimitRetries: rt.cfg.FetchMaxRateLimitRetries,
		BackoffBase:         rt.cfg.FetchBackoffBase,
		BackoffMax:          rt.cfg.FetchBackoffMax,
		RequestsPerMinute:   rt.cfg.FetchRequestsPerMinute,
	}, rt.logger, rt.metrics)
}

// ingester は認証済みのAPIクライアントを使うIngesterを生成する。
func (rt *runtime) ingester(out io.Writer) *ingest.Ingester {
	return ingest.NewIngester(rt.fetcher(rt.tokenManager(out)), rt.raw, rt.runs, rt.metrics, rt.logger, rt.cfg.FetchMaxConcurrent)
}

// refresher はアドバイザリロックで直列化されたRefresherを生成する。
func (rt *runtime) refresher(out io.Writer) *ingest.Refresher {
	return ingest.NewRefresher(rt.ingester(out), rt.raw, database.NewAdvisoryLocker(rt.db), rt.metrics, rt.logger)
}

// engine は既定のパイプラインで変換エンジンを生成する。
func (rt *runtime) engine() *transform.Engine {
	return transform.NewEngine(rt.raw, rt.canonical, transform.DefaultPipelines(), rt.cfg.TransformBatchSize, database.NewAdvisoryLocker(rt.db), rt.metrics, rt.logger)
}

// pruner は実行履歴の削除ジョブを生成する。
func (rt *runtime) pruner() *cleanup.RunHistoryPruner {
	return cleanup.NewRunHistoryPruner(rt.db, rt.cfg.RunRetentionDays, rt.logger)
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
