package domain

import "time"

// User описывает пользователя агрегатора.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProviderAccount хранит учётные данные и сессию аккаунта провайдера,
// от имени которого выполняется сбор.
type ProviderAccount struct {
	ID                int64
	UserID            int64
	ExternalID        string
	Handle            string
	DisplayName       string
	Email             string
	EncryptedPassword []byte
	EncryptedCookies  []byte
	AvatarURL         string
	FollowersCount    int
	FollowingCount    int
	IsActive          bool
	LastLoginAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TargetAccount описывает отслеживаемый аккаунт и состояние его опроса.
type TargetAccount struct {
	ID               int64
	UserID           int64
	ExternalID       string
	Handle           string
	DisplayName      string
	Description      string
	Location         string
	AvatarURL        string
	BannerURL        string
	IsProtected      bool
	IsVerified       bool
	FollowersCount   int
	FollowingCount   int
	PostsCount       int
	AccountCreatedAt *time.Time

	FetchIntervalMinutes int
	MaxPostsPerFetch     int
	IsActive             bool

	LastFetchedAt     *time.Time
	LastPostID        string
	ConsecutiveErrors int
	LastError         string
	LastErrorAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Post представляет сохранённый пост. Строки никогда не изменяются после
// создания, меняются только пользовательские отметки (прочитано/закладка).
type Post struct {
	ID              int64
	ExternalID      string
	TargetAccountID int64

	AuthorHandle      string
	AuthorDisplayName string
	AuthorAvatarURL   string

	Content  string
	FullText string
	Lang     string

	LikesCount     int
	RepostsCount   int
	RepliesCount   int
	QuotesCount    int
	ViewsCount     int
	BookmarksCount int

	IsRepost         bool
	IsQuote          bool
	IsReply          bool
	IsQuotedOriginal bool

	RepostedPostID string
	QuotedPostID   string
	ReplyToPostID  string
	ReplyToHandle  string
	ConversationID string

	Hashtags []string
	URLs     []string
	Mentions []string

	HasMedia bool
	PostedAt time.Time

	CreatedAt time.Time
}

// Статусы загрузки медиа.
const (
	MediaStatusPending     = "pending"
	MediaStatusDownloading = "downloading"
	MediaStatusCompleted   = "completed"
	MediaStatusFailed      = "failed"
)

// Типы медиавложений.
const (
	MediaTypePhoto = "photo"
	MediaTypeVideo = "video"
	MediaTypeGIF   = "animated_gif"
)

// MediaAsset описывает медиавложение поста и состояние его загрузки.
type MediaAsset struct {
	ID           int64
	PostID       int64
	MediaKey     string
	Type         string
	URL          string
	PreviewURL   string
	Width        int
	Height       int
	DurationMS   int
	AltText      string
	VariantsJSON []byte

	Status       string
	Attempts     int
	FileSize     int64
	StoragePath  string
	DownloadedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeline объединяет несколько отслеживаемых аккаунтов в одну ленту.
type Timeline struct {
	ID          int64
	UserID      int64
	Name        string
	Description string
	AccountIDs  []int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PostFilter задаёт параметры выборки постов.
type PostFilter struct {
	TargetAccountID int64
	OnlyUnread      bool
	OnlyWithMedia   bool
	Before          *time.Time
	Limit           int
	Offset          int
}
