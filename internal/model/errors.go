package model

import (
	"errors"
	"fmt"
)

// ErrorKind は取り込み処理のエラー分類を表す。
type ErrorKind string

// 定義済みエラー種別
const (
	KindAuthentication    ErrorKind = "AUTHENTICATION"
	KindRateLimitExceeded ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindTransientNetwork  ErrorKind = "TRANSIENT_NETWORK"
	KindTransientFetch    ErrorKind = "TRANSIENT_FETCH"
	KindRequest           ErrorKind = "REQUEST"
	KindMappingSkip       ErrorKind = "MAPPING_SKIP"
	KindRefreshLocked     ErrorKind = "REFRESH_LOCKED"
)

// IngestError は取り込み・変換処理の統一エラーフォーマットを表す。
// 失敗したリソースとウィンドウ、試行回数を保持し、手動での再実行を判断できるようにする。
type IngestError struct {
	Kind     ErrorKind
	Resource ResourceType
	Window   *RefreshWindow
	Attempts int
	Message  string
	Action   string // ユーザー向け対処方法
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *IngestError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Window != nil {
			msg += fmt.Sprintf(" window=%s", e.Window)
		}
		if e.Attempts > 0 {
			msg += fmt.Sprintf(" attempts=%d", e.Attempts)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Kind != KindMappingSkip {
		msg += "; 既に保存済みのレコードは有効なため、そのまま再実行できます"
	}
	return msg
}

// Unwrap は元のエラーを返す。
func (e *IngestError) Unwrap() error {
	return e.Err
}

// WithContext はリソースとウィンドウを補完したコピーを返す。
// 既に設定済みの値は上書きしない。
func (e *IngestError) WithContext(resource ResourceType, window *RefreshWindow) *IngestError {
	c := *e
	if c.Resource == "" {
		c.Resource = resource
	}
	if c.Window == nil {
		c.Window = window
	}
	return &c
}

// NewAuthenticationError は認証エラーを生成する。
func NewAuthenticationError(reason string, err error) *IngestError {
	return &IngestError{
		Kind:    KindAuthentication,
		Message: fmt.Sprintf("認証に失敗しました: %s", reason),
		Action:  "auth コマンドで再認可してください。",
		Err:     err,
	}
}

// NewRateLimitExceededError はレート制限の再試行上限超過エラーを生成する。
func NewRateLimitExceededError(resource ResourceType, attempts int) *IngestError {
	return &IngestError{
		Kind:     KindRateLimitExceeded,
		Resource: resource,
		Attempts: attempts,
		Message:  "レート制限の再試行回数が上限に達しました",
		Action:   "しばらく待ってから再実行してください。",
	}
}

// NewTransientNetworkError は一時的なネットワークエラーを生成する。
func NewTransientNetworkError(reason string, err error) *IngestError {
	return &IngestError{
		Kind:    KindTransientNetwork,
		Message: fmt.Sprintf("ネットワークエラーが発生しました: %s", reason),
		Action:  "ネットワーク接続を確認して再実行してください。",
		Err:     err,
	}
}

// NewTransientFetchError はサーバーエラーの再試行上限超過エラーを生成する。
func NewTransientFetchError(resource ResourceType, attempts int, err error) *IngestError {
	return &IngestError{
		Kind:     KindTransientFetch,
		Resource: resource,
		Attempts: attempts,
		Message:  "一時的な取得エラーの再試行回数が上限に達しました",
		Action:   "しばらく待ってから再実行してください。",
		Err:      err,
	}
}

// NewRequestError は再試行しないリクエストエラー（4xx）を生成する。
func NewRequestError(resource ResourceType, status int, body string) *IngestError {
	return &IngestError{
		Kind:     KindRequest,
		Resource: resource,
		Message:  fmt.Sprintf("リクエストが拒否されました: status=%d body=%q", status, body),
		Action:   "リクエストパラメータと権限スコープを確認してください。",
	}
}

// NewMappingSkip は変換できずスキップしたレコードを表すエラーを生成する。
// 実行全体の失敗にはならない。
func NewMappingSkip(resource ResourceType, naturalID, reason string) *IngestError {
	return &IngestError{
		Kind:     KindMappingSkip,
		Resource: resource,
		Message:  fmt.Sprintf("レコード %s をスキップしました: %s", naturalID, reason),
	}
}

// NewRefreshLockedError は同じリソースのリフレッシュが実行中であることを表すエラーを生成する。
func NewRefreshLockedError(resource ResourceType, window RefreshWindow) *IngestError {
	return &IngestError{
		Kind:     KindRefreshLocked,
		Resource: resource,
		Window:   &window,
		Message:  "同じリソースのリフレッシュが実行中です",
		Action:   "実行中のジョブの完了を待ってから再実行してください。",
	}
}

// NewTransformLockedError はリフレッシュ中のリソースを変換しようとしたことを表すエラーを生成する。
// 削除と再取得の途中でウォーターマークを進めると、再取得された行を読み飛ばすことになる。
func NewTransformLockedError(resource ResourceType) *IngestError {
	return &IngestError{
		Kind:     KindRefreshLocked,
		Resource: resource,
		Message:  "同じリソースのリフレッシュが実行中のため変換できません",
		Action:   "リフレッシュの完了後に rebuild を再実行してください。",
	}
}

// RefreshLockKey はリソースのリフレッシュと変換を直列化するロックのキーを返す。
func RefreshLockKey(resource ResourceType) string {
	return "refresh:" + string(resource)
}

// KindOf はエラー連鎖からIngestErrorの種別を取り出す。該当しない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsMappingSkip はエラーがMappingSkipかどうかを返す。
func IsMappingSkip(err error) bool {
	return KindOf(err) == KindMappingSkip
}

// ExitCode はエラーをプロセスの終了コードに変換する。
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindAuthentication:
		return 3
	case KindRateLimitExceeded:
		return 4
	case KindTransientNetwork, KindTransientFetch:
		return 5
	case KindRequest:
		return 6
	case KindRefreshLocked:
		return 7
	default:
		return 1
	}
}
