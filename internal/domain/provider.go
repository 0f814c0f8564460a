package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderProfile содержит профиль аккаунта, как его отдаёт провайдер.
type ProviderProfile struct {
	ID             string    `json:"id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name"`
	Bio            string    `json:"bio"`
	Location       string    `json:"location"`
	AvatarURL      string    `json:"avatar_url"`
	BannerURL      string    `json:"banner_url"`
	Protected      bool      `json:"protected"`
	Verified       bool      `json:"verified"`
	FollowersCount int       `json:"followers_count"`
	FollowingCount int       `json:"following_count"`
	PostsCount     int       `json:"posts_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate проверяет обязательные поля профиля.
func (p ProviderProfile) Validate() error {
	if p.ID == "" {
		return errors.New("provider profile: empty id")
	}
	if p.Handle == "" {
		return errors.New("provider profile: empty handle")
	}
	return nil
}

// ProviderMediaVariant описывает один вариант кодирования медиа.
type ProviderMediaVariant struct {
	Bitrate     int    `json:"bitrate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// ProviderMedia описывает медиавложение поста провайдера.
type ProviderMedia struct {
	Key        string                 `json:"key"`
	Type       string                 `json:"type"`
	URL        string                 `json:"url"`
	PreviewURL string                 `json:"preview_url"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	DurationMS int                    `json:"duration_ms"`
	AltText    string                 `json:"alt_text"`
	Variants   []ProviderMediaVariant `json:"variants"`
}

// ProviderPost — пост в том виде, в каком его вернул провайдер. Вложенные
// Repost и Quote заполняются не глубже одного уровня.
type ProviderPost struct {
	ID             string          `json:"id"`
	Text           string          `json:"text"`
	FullText       string          `json:"full_text"`
	Lang           string          `json:"lang"`
	CreatedAt      time.Time       `json:"created_at"`
	Author         ProviderProfile `json:"author"`
	LikeCount      int             `json:"like_count"`
	RepostCount    int             `json:"repost_count"`
	ReplyCount     int             `json:"reply_count"`
	QuoteCount     int             `json:"quote_count"`
	ViewCount      int             `json:"view_count"`
	BookmarkCount  int             `json:"bookmark_count"`
	InReplyToID    string          `json:"in_reply_to_id"`
	InReplyTo      string          `json:"in_reply_to"`
	ConversationID string          `json:"conversation_id"`
	Hashtags       []string        `json:"hashtags"`
	URLs           []string        `json:"urls"`
	Mentions       []string        `json:"mentions"`
	Media          []ProviderMedia `json:"media"`
	Repost         *ProviderPost   `json:"repost,omitempty"`
	Quote          *ProviderPost   `json:"quote,omitempty"`
}

// Validate проверяет обязательные поля поста, включая вложенные.
func (p ProviderPost) Validate() error {
	if p.ID == "" {
		return errors.New("provider post: empty id")
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("provider post %s: empty created_at", p.ID)
	}
	if err := p.Author.Validate(); err != nil {
		return fmt.Errorf("provider post %s: %w", p.ID, err)
	}
	if p.Repost != nil {
		if err := p.Repost.Validate(); err != nil {
			return fmt.Errorf("provider post %s: repost: %w", p.ID, err)
		}
	}
	if p.Quote != nil {
		if err := p.Quote.Validate(); err != nil {
			return fmt.Errorf("provider post %s: quote: %w", p.ID, err)
		}
	}
	return nil
}

// ChallengeRequiredError сигнализирует, что провайдер требует подтверждение
// входа. Flow содержит непрозрачное состояние, которое нужно вернуть при
// возобновлении входа.
type ChallengeRequiredError struct {
	Kind   string
	Prompt string
	Flow   []byte
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("провайдер требует подтверждение входа (%s)", e.Kind)
}

// ProviderSession — восстановленная или свежая сессия провайдера.
type ProviderSession interface {
	Export(ctx context.Context) ([]byte, error)
	Self(ctx context.Context) (ProviderProfile, error)
	Profile(ctx context.Context, handle string) (ProviderProfile, error)
	RecentPosts(ctx context.Context, externalID string, limit int) ([]ProviderPost, error)
}

// ProviderClient выполняет вход и восстановление сессий провайдера.
type ProviderClient interface {
	Login(ctx context.Context, handle, email, password string) (ProviderSession, error)
	ResumeLogin(ctx context.Context, flow []byte, code string) (ProviderSession, error)
	Restore(ctx context.Context, cookies []byte) (ProviderSession, error)
}
