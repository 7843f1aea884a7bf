package fetch

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outcome はページリクエストのレスポンス分類。
type Outcome int

const (
	// OutcomeSuccess は2xxでレコードを取得できた状態。
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited はレート制限（429）。
	OutcomeRateLimited
	// OutcomeAuthExpired はアクセストークンの失効（401）。
	OutcomeAuthExpired
	// OutcomeRetryableFailure は5xxまたは通信エラー。
	OutcomeRetryableFailure
	// OutcomeFatalRequestError は再試行しない4xx。
	OutcomeFatalRequestError
)

// String は分類名を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeFatalRequestError:
		return "fatal_request_error"
	default:
		return "unknown"
	}
}

// ClassifyHTTPStatus はHTTPステータスコードをレスポンス分類に変換する。
func ClassifyHTTPStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case statusCode == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case statusCode == http.StatusRequestTimeout, statusCode >= 500:
		return OutcomeRetryableFailure
	default:
		return OutcomeFatalRequestError
	}
}

// ParseRetryAfter はRetry-Afterヘッダーを待機時間に変換する。
// 秒数とHTTP日付の両方に対応し、解釈できない場合は0を返す。
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// CalculateBackoff はattempt回目（1始まり）の再試行待機時間を計算する。
// base*2^(attempt-1) に [0, base) のジッターを加え、maxで頭打ちにする。
func CalculateBackoff(attempt int, base, max time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if jitter != nil && base > 0 {
		delay += jitter(base)
	}
	if delay > max {
		return max
	}
	return delay
}

// randomJitter は [0, n) の一様乱数を返す。
func randomJitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return rand.N(n)
}

// retryPhase は1ページ分の再試行状態。
type retryPhase int

const (
	phaseIdle retryPhase = iota
	phaseRetrying
	phaseExhausted
	phaseDone
)

// retryState は1ページのリクエストに対する再試行状態機械。
// レート制限と一時障害は別々の上限を持ち、401は1回だけ再試行する。
type retryState struct {
	phase             retryPhase
	attempts          int
	failures          int
	rateLimited       int
	authRetried       bool
	maxRetries        int
	maxRateLimitRetry int
}

func newRetryState(maxRetries, maxRateLimitRetry int) *retryState {
	return &retryState{
		phase:             phaseIdle,
		maxRetries:        maxRetries,
		maxRateLimitRetry: maxRateLimitRetry,
	}
}

// begin はリクエストの試行開始を記録する。
func (s *retryState) begin() {
	s.attempts++
}

// observe はレスポンス分類を受け取り、再試行を続けるかどうかを返す。
func (s *retryState) observe(o Outcome) bool {
	switch o {
	case OutcomeSuccess:
		s.phase = phaseDone
		return false
	case OutcomeRateLimited:
		s.rateLimited++
		if s.rateLimited > s.maxRateLimitRetry {
			s.phase = phaseExhausted
			return false
		}
	case OutcomeAuthExpired:
		if s.authRetried {
			s.phase = phaseExhausted
			return false
		}
		s.authRetried = true
	case OutcomeRetryableFailure:
		s.failures++
		if s.failures > s.maxRetries {
			s.phase = phaseExhausted
			return false
		}
	default:
		s.phase = phaseExhausted
		return false
	}
	s.phase = phaseRetrying
	return true
}
