package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hitoshi/healthsync/internal/model"
)

// keySeparator は連結した要素の境界が曖昧にならないようにする区切り文字。
const keySeparator = "\x1f"

// SurrogateKey は要素を連結したSHA-256のhex表現を返す。
// 同じ入力には常に同じキーを返す。
func SurrogateKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, keySeparator)))
	return hex.EncodeToString(sum[:])
}

// MetricKey は (ユーザー, メトリクス, 計測時刻) から計算するキー。
// 取得元の自然IDが変わっても同じ事実は同じ行になる。
func MetricKey(source model.SourceSystem, userID, metric string, at time.Time) string {
	return SurrogateKey(string(source)+":"+userID, metric, at.UTC().Format(time.RFC3339Nano))
}

// LineageKey は (取得元システム, 自然ID) から計算するキー。
func LineageKey(source model.SourceSystem, naturalID string) string {
	return SurrogateKey(string(source), naturalID)
}
