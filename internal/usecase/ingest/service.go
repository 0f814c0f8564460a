package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

var (
	// ErrNoProviderAccount возвращается, когда не удалось восстановить ни
	// одну сессию провайдера.
	ErrNoProviderAccount = errors.New("нет рабочего аккаунта провайдера")
	// ErrInvalidInterval возвращается при интервале опроса вне 5–1440 минут.
	ErrInvalidInterval = errors.New("интервал опроса должен быть от 5 до 1440 минут")
	// ErrInvalidMaxPosts возвращается при лимите постов вне 1–100.
	ErrInvalidMaxPosts = errors.New("лимит постов за сбор должен быть от 1 до 100")
)

// CredentialBox расшифровывает сохранённые cookie-блобы.
type CredentialBox interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Service выполняет циклы сбора постов отслеживаемых аккаунтов.
type Service struct {
	targets   domain.TargetAccountRepo
	posts     domain.PostRepo
	media     domain.MediaRepo
	providers domain.ProviderAccountRepo
	client    domain.ProviderClient
	box       CredentialBox
	queue     domain.MediaQueue
	log       zerolog.Logger

	defaultInterval int
	defaultMaxPosts int
}

// NewService создаёт сервис сбора. queue может быть nil, тогда задачи на
// загрузку медиа не ставятся.
func NewService(targets domain.TargetAccountRepo, posts domain.PostRepo, media domain.MediaRepo,
	providers domain.ProviderAccountRepo, client domain.ProviderClient, box CredentialBox,
	queue domain.MediaQueue, logger zerolog.Logger, defaultInterval, defaultMaxPosts int) *Service {
	return &Service{
		targets:         targets,
		posts:           posts,
		media:           media,
		providers:       providers,
		client:          client,
		box:             box,
		queue:           queue,
		log:             logger,
		defaultInterval: defaultInterval,
		defaultMaxPosts: defaultMaxPosts,
	}
}

// FetchPosts выполняет один цикл сбора для отслеживаемого аккаунта:
// восстанавливает сессию, забирает свежие посты (новые первыми),
// сохраняет недостающие и фиксирует результат в полях здоровья аккаунта.
// Возвращает количество новых сохранённых постов.
func (s *Service) FetchPosts(ctx context.Context, targetAccountID int64) (int, error) {
	target, err := s.targets.GetTargetAccount(targetAccountID)
	if err != nil {
		return 0, fmt.Errorf("получение аккаунта: %w", err)
	}

	session, err := s.restoreSession(ctx)
	if err != nil {
		s.recordFailure(target.ID, err)
		return 0, err
	}

	if target.ExternalID == "" {
		profile, err := session.Profile(ctx, target.Handle)
		if err != nil {
			s.recordFailure(target.ID, fmt.Errorf("получение профиля: %w", err))
			return 0, fmt.Errorf("получение профиля: %w", err)
		}
		target = applyProfile(target, profile)
		target, err = s.targets.UpsertTargetAccount(target)
		if err != nil {
			return 0, fmt.Errorf("обновление аккаунта: %w", err)
		}
	}

	providerPosts, err := session.RecentPosts(ctx, target.ExternalID, target.MaxPostsPerFetch)
	if err != nil {
		s.recordFailure(target.ID, fmt.Errorf("получение постов: %w", err))
		return 0, fmt.Errorf("получение постов: %w", err)
	}

	saved := 0
	for _, providerPost := range providerPosts {
		main, mainMedia, quoted, quotedMedia := normalize(target, providerPost)

		// Сбой на отдельном посте не прерывает партию: пост пропускается,
		// остальные сохраняются, а как ошибка сбора учитываются только
		// отказы сессии и самого провайдера.
		created, err := s.persistPost(ctx, main, mainMedia)
		if err != nil {
			s.log.Error().Err(err).Str("external_id", main.ExternalID).Int64("target_account_id", target.ID).Msg("ingest: пост пропущен")
			continue
		}
		if created {
			saved++
		}

		if quoted != nil {
			// Цитируемый оригинал сохраняется отдельной строкой и
			// дедуплицируется независимо от цитирующего поста.
			if _, err := s.persistPost(ctx, *quoted, quotedMedia); err != nil {
				s.log.Error().Err(err).Str("external_id", quoted.ExternalID).Int64("target_account_id", target.ID).Msg("ingest: цитируемый оригинал пропущен")
			}
		}
	}

	newestID := ""
	if saved > 0 && len(providerPosts) > 0 {
		newestID = providerPosts[0].ID
	}
	if err := s.targets.MarkFetchSuccess(target.ID, time.Now().UTC(), newestID); err != nil {
		return saved, fmt.Errorf("фиксация успешного сбора: %w", err)
	}
	metrics.IngestPostsSaved.Add(float64(saved))
	s.log.Debug().Int64("target_account_id", target.ID).Int("fetched", len(providerPosts)).Int("saved", saved).Msg("ingest: цикл сбора завершён")
	return saved, nil
}

// ResolveTarget находит профиль по handle у провайдера и сохраняет его как
// отслеживаемый аккаунт.
func (s *Service) ResolveTarget(ctx context.Context, userID int64, handle string, intervalMinutes, maxPosts int) (domain.TargetAccount, error) {
	if intervalMinutes == 0 {
		intervalMinutes = s.defaultInterval
	}
	if maxPosts == 0 {
		maxPosts = s.defaultMaxPosts
	}
	if intervalMinutes < 5 || intervalMinutes > 1440 {
		return domain.TargetAccount{}, ErrInvalidInterval
	}
	if maxPosts < 1 || maxPosts > 100 {
		return domain.TargetAccount{}, ErrInvalidMaxPosts
	}

	session, err := s.restoreSession(ctx)
	if err != nil {
		return domain.TargetAccount{}, err
	}
	profile, err := session.Profile(ctx, handle)
	if err != nil {
		return domain.TargetAccount{}, fmt.Errorf("получение профиля: %w", err)
	}

	target := applyProfile(domain.TargetAccount{
		UserID:               userID,
		Handle:               profile.Handle,
		FetchIntervalMinutes: intervalMinutes,
		MaxPostsPerFetch:     maxPosts,
		IsActive:             true,
	}, profile)
	saved, err := s.targets.UpsertTargetAccount(target)
	if err != nil {
		return domain.TargetAccount{}, fmt.Errorf("сохранение аккаунта: %w", err)
	}
	return saved, nil
}

// restoreSession перебирает активные аккаунты провайдера и возвращает первую
// восстановившуюся сессию.
func (s *Service) restoreSession(ctx context.Context) (domain.ProviderSession, error) {
	accounts, err := s.providers.ListActiveProviderAccounts()
	if err != nil {
		return nil, fmt.Errorf("получение аккаунтов провайдера: %w", err)
	}
	for _, account := range accounts {
		if len(account.EncryptedCookies) == 0 {
			continue
		}
		cookies, err := s.box.Decrypt(account.EncryptedCookies)
		if err != nil {
			s.log.Warn().Err(err).Int64("provider_account_id", account.ID).Msg("ingest: не удалось расшифровать cookies")
			continue
		}
		session, err := s.client.Restore(ctx, cookies)
		if err != nil {
			s.log.Warn().Err(err).Int64("provider_account_id", account.ID).Msg("ingest: не удалось восстановить сессию")
			continue
		}
		return session, nil
	}
	return nil, ErrNoProviderAccount
}

func (s *Service) persistPost(ctx context.Context, post domain.Post, media []domain.MediaAsset) (bool, error) {
	saved, created, err := s.posts.CreatePost(post)
	if err != nil {
		return false, fmt.Errorf("сохранение поста: %w", err)
	}
	if !created {
		return false, nil
	}
	if len(media) > 0 {
		if err := s.media.SaveMediaAssets(saved.ID, media); err != nil {
			return true, fmt.Errorf("сохранение медиа: %w", err)
		}
		s.enqueueMediaJobs(ctx, saved.ID)
	}
	return true, nil
}

// enqueueMediaJobs ставит задачи на загрузку. Ошибки очереди не прерывают
// сбор: загрузчик подберёт pending-вложения фоновым проходом.
func (s *Service) enqueueMediaJobs(ctx context.Context, postID int64) {
	if s.queue == nil {
		return
	}
	assets, err := s.media.ListMediaByPost(postID)
	if err != nil {
		s.log.Warn().Err(err).Int64("post_id", postID).Msg("ingest: не удалось получить медиа для очереди")
		return
	}
	for _, asset := range assets {
		if asset.Status != domain.MediaStatusPending {
			continue
		}
		job := domain.MediaJob{
			ID:           uuid.NewString(),
			MediaAssetID: asset.ID,
			Cause:        domain.MediaCauseIngest,
			RequestedAt:  time.Now().UTC(),
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Warn().Err(err).Int64("media_asset_id", asset.ID).Msg("ingest: не удалось поставить задачу загрузки")
		}
	}
}

func (s *Service) recordFailure(targetAccountID int64, cause error) {
	if err := s.targets.MarkFetchError(targetAccountID, time.Now().UTC(), cause.Error()); err != nil {
		s.log.Error().Err(err).Int64("target_account_id", targetAccountID).Msg("ingest: не удалось зафиксировать ошибку сбора")
	}
}

func applyProfile(target domain.TargetAccount, profile domain.ProviderProfile) domain.TargetAccount {
	target.ExternalID = profile.ID
	target.Handle = profile.Handle
	target.DisplayName = profile.DisplayName
	target.Description = profile.Bio
	target.Location = profile.Location
	target.AvatarURL = profile.AvatarURL
	target.BannerURL = profile.BannerURL
	target.IsProtected = profile.Protected
	target.IsVerified = profile.Verified
	target.FollowersCount = profile.FollowersCount
	target.FollowingCount = profile.FollowingCount
	target.PostsCount = profile.PostsCount
	if !profile.CreatedAt.IsZero() {
		createdAt := profile.CreatedAt
		target.AccountCreatedAt = &createdAt
	}
	return target
}

// normalize превращает пост провайдера в строки для сохранения: основную и,
// для цитат, строку цитируемого оригинала. Репосты разворачиваются на один
// уровень: содержимое и автор берутся из оригинала, а строка сохраняет
// идентификатор репоста.
func normalize(target domain.TargetAccount, providerPost domain.ProviderPost) (domain.Post, []domain.MediaAsset, *domain.Post, []domain.MediaAsset) {
	source := providerPost
	if providerPost.Repost != nil {
		source = *providerPost.Repost
	}

	main := buildPost(target, providerPost.ID, providerPost.CreatedAt, source)
	if providerPost.Repost != nil {
		main.IsRepost = true
		main.RepostedPostID = providerPost.Repost.ID
	}

	var (
		quoted      *domain.Post
		quotedMedia []domain.MediaAsset
	)
	if source.Quote != nil {
		main.IsQuote = true
		main.QuotedPostID = source.Quote.ID
		if providerPost.Repost == nil {
			// У прямой цитаты авторские поля строки указывают на автора
			// оригинала, как и у репоста. У репоста цитаты приоритет за
			// автором репостнутого поста.
			main.AuthorHandle = source.Quote.Author.Handle
			main.AuthorDisplayName = source.Quote.Author.DisplayName
			main.AuthorAvatarURL = source.Quote.Author.AvatarURL
		}

		row := buildPost(target, source.Quote.ID, source.Quote.CreatedAt, *source.Quote)
		row.IsQuotedOriginal = true
		quoted = &row
		quotedMedia = convertMedia(*source.Quote)
	}

	return main, convertMedia(source), quoted, quotedMedia
}

func buildPost(target domain.TargetAccount, externalID string, postedAt time.Time, source domain.ProviderPost) domain.Post {
	post := domain.Post{
		ExternalID:        externalID,
		TargetAccountID:   target.ID,
		AuthorHandle:      source.Author.Handle,
		AuthorDisplayName: source.Author.DisplayName,
		AuthorAvatarURL:   source.Author.AvatarURL,
		Content:           source.Text,
		FullText:          source.FullText,
		Lang:              source.Lang,
		LikesCount:        source.LikeCount,
		RepostsCount:      source.RepostCount,
		RepliesCount:      source.ReplyCount,
		QuotesCount:       source.QuoteCount,
		ViewsCount:        source.ViewCount,
		BookmarksCount:    source.BookmarkCount,
		ConversationID:    source.ConversationID,
		Hashtags:          source.Hashtags,
		URLs:              source.URLs,
		Mentions:          source.Mentions,
		HasMedia:          len(source.Media) > 0,
		PostedAt:          postedAt,
	}
	if source.InReplyToID != "" {
		post.IsReply = true
		post.ReplyToPostID = source.InReplyToID
		post.ReplyToHandle = source.InReplyTo
	}
	return post
}

func convertMedia(source domain.ProviderPost) []domain.MediaAsset {
	if len(source.Media) == 0 {
		return nil
	}
	assets := make([]domain.MediaAsset, 0, len(source.Media))
	for i, media := range source.Media {
		key := media.Key
		if key == "" {
			key = fmt.Sprintf("%s-%d", source.ID, i)
		}
		variants, err := json.Marshal(media.Variants)
		if err != nil {
			variants = []byte("[]")
		}
		assets = append(assets, domain.MediaAsset{
			MediaKey:     key,
			Type:         media.Type,
			URL:          media.URL,
			PreviewURL:   media.PreviewURL,
			Width:        media.Width,
			Height:       media.Height,
			DurationMS:   media.DurationMS,
			AltText:      media.AltText,
			VariantsJSON: variants,
		})
	}
	return assets
}
