package domain

import (
	"context"
	"time"
)

// MediaJobCause описывает причину постановки задачи на загрузку медиа.
type MediaJobCause string

const (
	// MediaCauseIngest — медиа обнаружено при сборе постов.
	MediaCauseIngest MediaJobCause = "ingest"
	// MediaCauseBookmark — пользователь добавил пост в закладки.
	MediaCauseBookmark MediaJobCause = "bookmark"
	// MediaCauseRetry — повтор неудачной загрузки.
	MediaCauseRetry MediaJobCause = "retry"
)

// MediaJob содержит информацию о задаче загрузки одного медиавложения.
type MediaJob struct {
	ID           string        `json:"job_id,omitempty"`
	MediaAssetID int64         `json:"media_asset_id"`
	Cause        MediaJobCause `json:"cause"`
	RequestedAt  time.Time     `json:"requested_at"`
}

// MediaQueue описывает очередь задач на загрузку медиа.
type MediaQueue interface {
	Enqueue(ctx context.Context, job MediaJob) error
	Pop(ctx context.Context) (MediaJob, error)
}
