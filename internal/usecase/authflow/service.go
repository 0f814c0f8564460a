package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
)

var (
	// ErrSessionNotFound возвращается для неизвестной, истёкшей или уже
	// использованной сессии подтверждения.
	ErrSessionNotFound = errors.New("сессия подтверждения не найдена или истекла")
)

// CredentialBox шифрует учётные данные перед сохранением.
type CredentialBox interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// InitResult — итог первой фазы аутентификации.
type InitResult struct {
	NeedsChallenge bool
	SessionID      string
	Kind           string
	Prompt         string
	ExpiresAt      time.Time
	Account        domain.ProviderAccount
}

// Service выполняет двухфазную аутентификацию у провайдера и хранит
// результат в ProviderAccountRepo.
type Service struct {
	providers domain.ProviderAccountRepo
	client    domain.ProviderClient
	box       CredentialBox
	store     *SessionStore
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис. now — источник времени для отметок входа;
// nil означает системные часы.
func NewService(providers domain.ProviderAccountRepo, client domain.ProviderClient, box CredentialBox, store *SessionStore, logger zerolog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		providers: providers,
		client:    client,
		box:       box,
		store:     store,
		log:       logger,
		now:       now,
	}
}

// AuthenticateInit выполняет первую фазу входа. Если провайдер требует
// подтверждение, создаёт сессию и возвращает её идентификатор и подсказку;
// иначе сразу сохраняет аккаунт.
func (s *Service) AuthenticateInit(ctx context.Context, userID int64, handle, email, password string) (InitResult, error) {
	providerSession, err := s.client.Login(ctx, handle, email, password)
	if err != nil {
		var challenge *domain.ChallengeRequiredError
		if errors.As(err, &challenge) {
			session := s.store.Create(Session{
				UserID:   userID,
				Handle:   handle,
				Email:    email,
				Password: password,
				Kind:     challenge.Kind,
				Prompt:   challenge.Prompt,
				Flow:     challenge.Flow,
			})
			s.log.Info().Int64("user_id", userID).Str("kind", challenge.Kind).Msg("authflow: требуется подтверждение входа")
			return InitResult{
				NeedsChallenge: true,
				SessionID:      session.ID,
				Kind:           session.Kind,
				Prompt:         session.Prompt,
				ExpiresAt:      session.ExpiresAt,
			}, nil
		}
		return InitResult{}, fmt.Errorf("вход у провайдера: %w", err)
	}

	account, err := s.persistAccount(ctx, userID, providerSession, password, email)
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{Account: account}, nil
}

// AuthenticateChallenge завершает вход кодом подтверждения. Сессия
// одноразовая: она удаляется независимо от исхода.
func (s *Service) AuthenticateChallenge(ctx context.Context, sessionID, code string) (domain.ProviderAccount, error) {
	session, ok := s.store.Get(sessionID)
	if !ok {
		return domain.ProviderAccount{}, ErrSessionNotFound
	}
	s.store.Delete(sessionID)

	providerSession, err := s.client.ResumeLogin(ctx, session.Flow, code)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("завершение входа: %w", err)
	}
	return s.persistAccount(ctx, session.UserID, providerSession, session.Password, session.Email)
}

// RefreshAccount восстанавливает сессию аккаунта, перечитывает профиль и
// обновляет сохранённые cookies.
func (s *Service) RefreshAccount(ctx context.Context, userID, accountID int64) (domain.ProviderAccount, error) {
	account, err := s.providers.GetProviderAccount(accountID)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("получение аккаунта: %w", err)
	}
	if account.UserID != userID {
		return domain.ProviderAccount{}, domain.ErrNotFound
	}
	cookies, err := s.box.Decrypt(account.EncryptedCookies)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("расшифровка cookies: %w", err)
	}
	providerSession, err := s.client.Restore(ctx, cookies)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("восстановление сессии: %w", err)
	}

	profile, err := providerSession.Self(ctx)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("получение профиля: %w", err)
	}
	exported, err := providerSession.Export(ctx)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("выгрузка cookies: %w", err)
	}
	encCookies, err := s.box.Encrypt(exported)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("шифрование cookies: %w", err)
	}

	account.ExternalID = profile.ID
	account.Handle = profile.Handle
	account.DisplayName = profile.DisplayName
	account.AvatarURL = profile.AvatarURL
	account.FollowersCount = profile.FollowersCount
	account.FollowingCount = profile.FollowingCount
	account.EncryptedCookies = encCookies
	loginAt := s.now().UTC()
	account.LastLoginAt = &loginAt

	updated, err := s.providers.UpsertProviderAccount(account)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("сохранение аккаунта: %w", err)
	}
	return updated, nil
}

func (s *Service) persistAccount(ctx context.Context, userID int64, providerSession domain.ProviderSession, password, email string) (domain.ProviderAccount, error) {
	profile, err := providerSession.Self(ctx)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("получение профиля: %w", err)
	}
	cookies, err := providerSession.Export(ctx)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("выгрузка cookies: %w", err)
	}
	encPassword, err := s.box.Encrypt([]byte(password))
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("шифрование пароля: %w", err)
	}
	encCookies, err := s.box.Encrypt(cookies)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("шифрование cookies: %w", err)
	}

	loginAt := s.now().UTC()
	account := domain.ProviderAccount{
		UserID:            userID,
		ExternalID:        profile.ID,
		Handle:            profile.Handle,
		DisplayName:       profile.DisplayName,
		Email:             email,
		EncryptedPassword: encPassword,
		EncryptedCookies:  encCookies,
		AvatarURL:         profile.AvatarURL,
		FollowersCount:    profile.FollowersCount,
		FollowingCount:    profile.FollowingCount,
		IsActive:          true,
		LastLoginAt:       &loginAt,
	}
	saved, err := s.providers.UpsertProviderAccount(account)
	if err != nil {
		return domain.ProviderAccount{}, fmt.Errorf("сохранение аккаунта: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("handle", profile.Handle).Msg("authflow: аккаунт провайдера сохранён")
	return saved, nil
}
