package model

import "time"

// IngestStatus はリソース単位の取り込み結果ステータス。
type IngestStatus string

const (
	IngestStatusSuccess IngestStatus = "success"
	IngestStatusError   IngestStatus = "error"
)

// IngestResult は1リソース分の取り込み結果を表す。
// meta.ingest_runs に記録される。
type IngestResult struct {
	RunID      string
	Resource   ResourceType
	Window     *RefreshWindow
	Fetched    int
	Stored     int
	Deleted    int64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     IngestStatus
	Err        error
}
