package domain

import (
	"context"
	"io"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	CreateUser(username, passwordHash string, isAdmin bool) (User, error)
	GetUser(id int64) (User, error)
	GetUserByUsername(username string) (User, error)
	ListUsers(limit, offset int) ([]User, error)
	DeleteUser(id int64) error
}

// ProviderAccountRepo управляет аккаунтами провайдера.
type ProviderAccountRepo interface {
	UpsertProviderAccount(account ProviderAccount) (ProviderAccount, error)
	GetProviderAccount(id int64) (ProviderAccount, error)
	ListProviderAccounts(userID int64) ([]ProviderAccount, error)
	ListActiveProviderAccounts() ([]ProviderAccount, error)
	UpdateProviderCookies(id int64, cookies []byte, loginAt time.Time) error
	SetProviderAccountActive(id int64, active bool) error
	DeleteProviderAccount(id int64) error
}

// TargetAccountRepo управляет отслеживаемыми аккаунтами.
type TargetAccountRepo interface {
	UpsertTargetAccount(account TargetAccount) (TargetAccount, error)
	GetTargetAccount(id int64) (TargetAccount, error)
	GetTargetAccountByHandle(userID int64, handle string) (TargetAccount, error)
	ListTargetAccounts(userID int64, limit, offset int) ([]TargetAccount, error)
	ListActiveTargetAccounts() ([]TargetAccount, error)
	UpdateTargetAccountSettings(id int64, intervalMinutes, maxPosts int, active bool) (TargetAccount, error)
	// MarkFetchSuccess фиксирует успешный сбор: сбрасывает счётчик ошибок и,
	// если newestPostID не пуст, обновляет курсор последнего поста.
	MarkFetchSuccess(id int64, fetchedAt time.Time, newestPostID string) error
	// MarkFetchError увеличивает счётчик последовательных ошибок и сохраняет
	// текст последней ошибки.
	MarkFetchError(id int64, occurredAt time.Time, message string) error
	DeleteTargetAccount(id int64) error
}

// PostRepo управляет постами и пользовательскими отметками.
type PostRepo interface {
	// CreatePost сохраняет пост, если поста с таким внешним идентификатором
	// ещё нет. Возвращает сохранённую строку и признак того, что она создана
	// этим вызовом.
	CreatePost(post Post) (Post, bool, error)
	GetPost(id int64) (Post, error)
	GetPostByExternalID(externalID string) (Post, error)
	ListPosts(userID int64, filter PostFilter) ([]Post, error)
	ListTimelinePosts(userID, timelineID int64, limit, offset int) ([]Post, error)
	MarkRead(userID, postID int64) error
	SetBookmarked(userID, postID int64, bookmarked bool) error
	ListBookmarkedPosts(userID int64, limit, offset int) ([]Post, error)
}

// MediaRepo управляет медиавложениями и их статусами загрузки.
type MediaRepo interface {
	SaveMediaAssets(postID int64, assets []MediaAsset) error
	GetMediaAsset(id int64) (MediaAsset, error)
	ListMediaByPost(postID int64) ([]MediaAsset, error)
	ListPendingMedia(limit int) ([]MediaAsset, error)
	// ResetFailedMedia переводит failed-вложения с attempts < maxAttempts
	// обратно в pending и возвращает их.
	ResetFailedMedia(maxAttempts, limit int) ([]MediaAsset, error)
	// MarkMediaDownloading переводит вложение в downloading и увеличивает
	// счётчик попыток.
	MarkMediaDownloading(id int64) (MediaAsset, error)
	MarkMediaCompleted(id int64, storagePath string, fileSize int64, downloadedAt time.Time) error
	MarkMediaFailed(id int64) error
}

// TimelineRepo управляет пользовательскими лентами.
type TimelineRepo interface {
	CreateTimeline(timeline Timeline) (Timeline, error)
	GetTimeline(userID, id int64) (Timeline, error)
	ListTimelines(userID int64) ([]Timeline, error)
	UpdateTimeline(timeline Timeline) (Timeline, error)
	SetTimelineAccounts(userID, timelineID int64, accountIDs []int64) error
	DeleteTimeline(userID, id int64) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// ObjectStorage — хранилище скачанных медиафайлов.
type ObjectStorage interface {
	Exists(ctx context.Context, path string) (bool, error)
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}
