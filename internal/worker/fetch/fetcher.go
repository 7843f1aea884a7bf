// Package fetch はOAuth2で保護されたコレクションAPIのページング取得を提供する。
// レスポンス分類、再試行状態機械、リソース単位の並列実行を含む。
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hitoshi/healthsync/internal/metrics"
	"github.com/hitoshi/healthsync/internal/model"
)

const (
	maxResponseSize = 32 << 20
	maxErrorBody    = 512
	userAgent       = "healthsync/1.0"
)

// CredentialSource はリクエストに付与する認証情報を提供する。
type CredentialSource interface {
	Obtain(ctx context.Context) (*model.Credential, error)
	EnsureFresh(ctx context.Context, cred *model.Credential) (*model.Credential, error)
	ForceRefresh(ctx context.Context, stale *model.Credential) (*model.Credential, error)
}

// Options はFetcherの動作設定。
type Options struct {
	BaseURL             string
	PageLimit           int
	Timeout             time.Duration
	MaxRetries          int
	MaxRateLimitRetries int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	// RequestsPerMinute は0以下で無制限。
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// CollectionRequest は1リソースのコレクション取得条件。
type CollectionRequest struct {
	Resource model.ResourceType
	Path     string
	Since    *time.Time
	Until    *time.Time
	// Cursor を指定するとそのページから再開する。
	Cursor string
}

// Page は取得済みの1ページ。
type Page struct {
	Number     int
	Cursor     string
	NextCursor string
	Records    []json.RawMessage
}

// collectionResponse はコレクションAPIのレスポンス。
// カーソルのキー名はエンドポイントによって異なる。
type collectionResponse struct {
	Records        []json.RawMessage `json:"records"`
	NextToken      string            `json:"next_token"`
	NextTokenCamel string            `json:"nextToken"`
}

func (r collectionResponse) nextCursor() string {
	if r.NextToken != "" {
		return r.NextToken
	}
	return r.NextTokenCamel
}

// response は1回のリクエストの分類結果。
type response struct {
	outcome    Outcome
	status     int
	body       []byte
	retryAfter time.Duration
	err        error
}

// Fetcher は認証付きのページング取得を行う。
// 同じインスタンスを複数のゴルーチンから利用できる。
type Fetcher struct {
	tokens  CredentialSource
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	tracer  trace.Tracer

	// テストで差し替える
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(time.Duration) time.Duration
	now    func() time.Time

	mu   sync.Mutex
	cred *model.Credential
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(tokens CredentialSource, opts Options, logger *slog.Logger, collector metrics.MetricsCollector) *Fetcher {
	if opts.PageLimit <= 0 || opts.PageLimit > 25 {
		opts.PageLimit = 25
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRateLimitRetries < 0 {
		opts.MaxRateLimitRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
		burst = int(math.Max(1, float64(opts.RequestsPerMinute)/60.0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Fetcher{
		tokens:  tokens,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		logger:  logger,
		metrics: collector,
		tracer:  otel.Tracer("github.com/hitoshi/healthsync/internal/worker/fetch"),
		sleep:   sleepContext,
		jitter:  randomJitter,
		now:     time.Now,
	}
}

// FetchCollection はリソースのレコードを遅延的に列挙する。
// ページは要求されるまで取得せず、エラーを返した時点で列挙を終了する。
func (f *Fetcher) FetchCollection(ctx context.Context, req CollectionRequest) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for page, err := range f.FetchPages(ctx, req) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// FetchPages はリソースのページを遅延的に列挙する。
// 各ページのCursorを保持しておけば、そのページから取得を再開できる。
func (f *Fetcher) FetchPages(ctx context.Context, req CollectionRequest) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		cursor := req.Cursor
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			var parsed collectionResponse
			_, err := f.fetchWithRetry(ctx, req.Resource, f.collectionURL(req, cursor), func(body []byte) error {
				parsed = collectionResponse{}
				if err := json.Unmarshal(body, &parsed); err != nil {
					return fmt.Errorf("invalid collection response: %w", err)
				}
				return nil
			})
			if err != nil {
				yield(nil, err)
				return
			}

			page := &Page{
				Number:     n,
				Cursor:     cursor,
				NextCursor: parsed.nextCursor(),
				Records:    parsed.Records,
			}
			f.logger.Debug("page fetched",
				slog.String("resource", string(req.Resource)),
				slog.Int("page", n),
				slog.Int("records", len(page.Records)),
			)
			if !yield(page, nil) {
				return
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// FetchOne は単一オブジェクトのエンドポイントを取得する。再試行方針はコレクションと同じ。
func (f *Fetcher) FetchOne(ctx context.Context, resource model.ResourceType, path string) (json.RawMessage, error) {
	body, err := f.fetchWithRetry(ctx, resource, f.opts.BaseURL+path, func(body []byte) error {
		if !json.Valid(body) {
			return errors.New("invalid JSON response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (f *Fetcher) collectionURL(req CollectionRequest, cursor string) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(f.opts.PageLimit))
	if req.Since != nil {
		q.Set("start", req.Since.UTC().Format(time.RFC3339))
	}
	if req.Until != nil {
		q.Set("end", req.Until.UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		q.Set("nextToken", cursor)
	}
	return f.opts.BaseURL + req.Path + "?" + q.Encode()
}

// fetchWithRetry は1ページ分のリクエストを再試行状態機械に従って実行する。
// 待機の前後でコンテキストのキャンセルを確認する。
// トークンエンドポイントの一時障害と、2xxでもdecodeに失敗した応答は
// サーバーの一時障害と同じ予算で再試行する。
func (f *Fetcher) fetchWithRetry(ctx context.Context, resource model.ResourceType, rawURL string, decode func([]byte) error) ([]byte, error) {
	state := newRetryState(f.opts.MaxRetries, f.opts.MaxRateLimitRetries)

	// staleは401を受けた認証情報。次の試行の前に強制リフレッシュする。
	var stale *model.Credential
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var resp *response
		cred, err := f.nextCredential(ctx, stale)
		switch {
		case err == nil:
			stale = nil
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			state.begin()
			resp, err = f.do(ctx, resource, rawURL, cred, state.attempts)
			if err != nil {
				return nil, err
			}
			if resp.outcome == OutcomeSuccess && decode != nil {
				if derr := decode(resp.body); derr != nil {
					resp = &response{outcome: OutcomeRetryableFailure, status: resp.status, err: derr}
				}
			}
		case model.KindOf(err) == model.KindTransientNetwork:
			state.begin()
			resp = &response{outcome: OutcomeRetryableFailure, err: err}
		default:
			return nil, err
		}

		if !state.observe(resp.outcome) {
			switch resp.outcome {
			case OutcomeSuccess:
				return resp.body, nil
			case OutcomeRateLimited:
				return nil, model.NewRateLimitExceededError(resource, state.attempts)
			case OutcomeAuthExpired:
				e := model.NewAuthenticationError("再認証後も401が返されました", nil)
				e.Attempts = state.attempts
				return nil, e.WithContext(resource, nil)
			case OutcomeRetryableFailure:
				return nil, model.NewTransientFetchError(resource, state.attempts, resp.err)
			default:
				return nil, model.NewRequestError(resource, resp.status, truncate(resp.body))
			}
		}

		f.metrics.RecordRetry(string(resource), resp.outcome.String())

		var delay time.Duration
		switch resp.outcome {
		case OutcomeRateLimited:
			delay = resp.retryAfter
			if delay <= 0 {
				delay = CalculateBackoff(state.rateLimited, f.opts.BackoffBase, f.opts.BackoffMax, f.jitter)
			}
		case OutcomeAuthExpired:
			stale = cred
			continue
		case OutcomeRetryableFailure:
			delay = CalculateBackoff(state.failures, f.opts.BackoffBase, f.opts.BackoffMax, f.jitter)
		}

		attrs := []any{
			slog.String("resource", string(resource)),
			slog.String("outcome", resp.outcome.String()),
			slog.Int("attempt", state.attempts),
			slog.Int("http_status", resp.status),
			slog.Duration("delay", delay),
		}
		if resp.err != nil {
			attrs = append(attrs, slog.String("error", resp.err.Error()))
		}
		f.logger.Warn("page request will be retried", attrs...)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// nextCredential は次の試行に使う認証情報を返す。
// staleがある場合は強制リフレッシュし、無い場合は期限が近ければ更新する。
func (f *Fetcher) nextCredential(ctx context.Context, stale *model.Credential) (*model.Credential, error) {
	if stale != nil {
		return f.forceRefresh(ctx, stale)
	}
	return f.credential(ctx)
}

// do は1回のHTTPリクエストを実行して分類する。
// 返すerrorはコンテキストのキャンセルなど再試行できないものに限る。
func (f *Fetcher) do(ctx context.Context, resource model.ResourceType, rawURL string, cred *model.Credential, attempt int) (*response, error) {
	ctx, span := f.tracer.Start(ctx, "fetch.page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("healthsync.resource", string(resource)),
			attribute.Int("healthsync.attempt", attempt),
		),
	)
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordPageRequest(string(resource), 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return nil, ctxErr
		}
		span.RecordError(err)
		return &response{outcome: OutcomeRetryableFailure, err: err}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	f.metrics.RecordPageRequest(string(resource), resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		span.RecordError(err)
		return &response{outcome: OutcomeRetryableFailure, status: resp.StatusCode, err: err}, nil
	}

	out := &response{
		outcome: ClassifyHTTPStatus(resp.StatusCode),
		status:  resp.StatusCode,
		body:    body,
	}
	switch out.outcome {
	case OutcomeRateLimited:
		out.retryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), f.now())
	case OutcomeRetryableFailure:
		out.err = fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out.outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, out.outcome.String())
	}
	return out, nil
}

// credential はキャッシュ済みの認証情報を安全マージン以上有効な状態で返す。
func (f *Fetcher) credential(ctx context.Context) (*model.Credential, error) {
	f.mu.Lock()
	cached := f.cred
	f.mu.Unlock()

	var (
		cred *model.Credential
		err  error
	)
	if cached == nil {
		cred, err = f.tokens.Obtain(ctx)
	} else {
		cred, err = f.tokens.EnsureFresh(ctx, cached)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cred = cred
	f.mu.Unlock()
	return cred, nil
}

func (f *Fetcher) forceRefresh(ctx context.Context, stale *model.Credential) (*model.Credential, error) {
	cred, err := f.tokens.ForceRefresh(ctx, stale)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cred = cred
	f.mu.Unlock()
	return cred, nil
}

// sleepContext はdだけ待機する。コンテキストがキャンセルされた場合は即座に戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody])
	}
	return string(b)
}
