package authflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
)

type stubProviders struct {
	accounts map[int64]domain.ProviderAccount
	nextID   int64
}

func newStubProviders() *stubProviders {
	return &stubProviders{accounts: map[int64]domain.ProviderAccount{}}
}

func (r *stubProviders) UpsertProviderAccount(account domain.ProviderAccount) (domain.ProviderAccount, error) {
	for id, existing := range r.accounts {
		if existing.ExternalID == account.ExternalID {
			account.ID = id
			r.accounts[id] = account
			return account, nil
		}
	}
	r.nextID++
	account.ID = r.nextID
	r.accounts[account.ID] = account
	return account, nil
}

func (r *stubProviders) GetProviderAccount(id int64) (domain.ProviderAccount, error) {
	account, ok := r.accounts[id]
	if !ok {
		return domain.ProviderAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func (r *stubProviders) ListProviderAccounts(userID int64) ([]domain.ProviderAccount, error) {
	return nil, nil
}
func (r *stubProviders) ListActiveProviderAccounts() ([]domain.ProviderAccount, error) {
	return nil, nil
}
func (r *stubProviders) UpdateProviderCookies(id int64, cookies []byte, loginAt time.Time) error {
	return nil
}
func (r *stubProviders) SetProviderAccountActive(id int64, active bool) error { return nil }
func (r *stubProviders) DeleteProviderAccount(id int64) error                 { return nil }

type fakeProviderSession struct {
	profile domain.ProviderProfile
	cookies []byte
}

func (f *fakeProviderSession) Export(ctx context.Context) ([]byte, error) { return f.cookies, nil }
func (f *fakeProviderSession) Self(ctx context.Context) (domain.ProviderProfile, error) {
	return f.profile, nil
}
func (f *fakeProviderSession) Profile(ctx context.Context, handle string) (domain.ProviderProfile, error) {
	return f.profile, nil
}
func (f *fakeProviderSession) RecentPosts(ctx context.Context, externalID string, limit int) ([]domain.ProviderPost, error) {
	return nil, nil
}

type challengeClient struct {
	loginErr    error
	resumeErr   error
	session     *fakeProviderSession
	resumeCalls int
	lastFlow    []byte
	lastCode    string
}

func (c *challengeClient) Login(ctx context.Context, handle, email, password string) (domain.ProviderSession, error) {
	if c.loginErr != nil {
		return nil, c.loginErr
	}
	return c.session, nil
}

func (c *challengeClient) ResumeLogin(ctx context.Context, flow []byte, code string) (domain.ProviderSession, error) {
	c.resumeCalls++
	c.lastFlow = flow
	c.lastCode = code
	if c.resumeErr != nil {
		return nil, c.resumeErr
	}
	return c.session, nil
}

func (c *challengeClient) Restore(ctx context.Context, cookies []byte) (domain.ProviderSession, error) {
	return c.session, nil
}

type plainBox struct{}

func (plainBox) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (plainBox) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func testProfile() domain.ProviderProfile {
	return domain.ProviderProfile{ID: "ext-1", Handle: "keeper", DisplayName: "Keeper", CreatedAt: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestService(providers *stubProviders, client *challengeClient, clock *fakeClock) (*Service, *SessionStore) {
	store := NewSessionStore(300*time.Second, clock.Now)
	return NewService(providers, client, plainBox{}, store, zerolog.Nop(), clock.Now), store
}

func TestAuthenticateInitSuccess(t *testing.T) {
	providers := newStubProviders()
	client := &challengeClient{session: &fakeProviderSession{profile: testProfile(), cookies: []byte("cookie-blob")}}
	clock := &fakeClock{current: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(providers, client, clock)

	result, err := svc.AuthenticateInit(context.Background(), 1, "keeper", "k@example.com", "pass")
	if err != nil {
		t.Fatalf("ошибка входа: %v", err)
	}
	if result.NeedsChallenge {
		t.Fatal("подтверждение не должно требоваться")
	}
	if result.Account.Handle != "keeper" || !result.Account.IsActive {
		t.Fatalf("аккаунт сохранён некорректно: %+v", result.Account)
	}
	if string(result.Account.EncryptedCookies) != "cookie-blob" {
		t.Fatal("cookies должны быть сохранены")
	}
	if result.Account.LastLoginAt == nil || !result.Account.LastLoginAt.Equal(clock.current) {
		t.Fatal("метка входа должна браться из часов сервиса")
	}
}

func TestAuthenticateChallengeFlow(t *testing.T) {
	providers := newStubProviders()
	client := &challengeClient{
		loginErr: &domain.ChallengeRequiredError{Kind: "confirmation_code", Prompt: "Enter code", Flow: []byte("flow-state")},
		session:  &fakeProviderSession{profile: testProfile(), cookies: []byte("cookies")},
	}
	clock := &fakeClock{current: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	svc, store := newTestService(providers, client, clock)

	result, err := svc.AuthenticateInit(context.Background(), 7, "keeper", "k@example.com", "pass")
	if err != nil {
		t.Fatalf("ошибка первой фазы: %v", err)
	}
	if !result.NeedsChallenge || result.SessionID == "" {
		t.Fatalf("ожидалось требование подтверждения: %+v", result)
	}
	if result.Prompt != "Enter code" || result.Kind != "confirmation_code" {
		t.Fatalf("подсказка передана некорректно: %+v", result)
	}
	if want := clock.current.Add(300 * time.Second); !result.ExpiresAt.Equal(want) {
		t.Fatalf("ожидался срок %v, получен %v", want, result.ExpiresAt)
	}

	account, err := svc.AuthenticateChallenge(context.Background(), result.SessionID, "123456")
	if err != nil {
		t.Fatalf("ошибка второй фазы: %v", err)
	}
	if string(client.lastFlow) != "flow-state" || client.lastCode != "123456" {
		t.Fatal("состояние flow и код должны передаваться провайдеру")
	}
	if account.UserID != 7 {
		t.Fatalf("аккаунт должен принадлежать пользователю 7: %+v", account)
	}
	if store.Len() != 0 {
		t.Fatal("сессия должна быть удалена после использования")
	}

	// Повторное использование той же сессии невозможно.
	if _, err := svc.AuthenticateChallenge(context.Background(), result.SessionID, "123456"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ожидалась ErrSessionNotFound, получено %v", err)
	}
}

func TestAuthenticateChallengeSessionConsumedOnFailure(t *testing.T) {
	providers := newStubProviders()
	client := &challengeClient{
		loginErr:  &domain.ChallengeRequiredError{Kind: "confirmation_code", Flow: []byte("flow")},
		resumeErr: errors.New("неверный код"),
	}
	clock := &fakeClock{current: time.Now()}
	svc, store := newTestService(providers, client, clock)

	result, err := svc.AuthenticateInit(context.Background(), 1, "keeper", "", "pass")
	if err != nil {
		t.Fatalf("ошибка первой фазы: %v", err)
	}
	if _, err := svc.AuthenticateChallenge(context.Background(), result.SessionID, "bad"); err == nil {
		t.Fatal("ожидалась ошибка завершения входа")
	}
	if store.Len() != 0 {
		t.Fatal("сессия одноразовая и должна быть удалена даже после ошибки")
	}
	if _, err := svc.AuthenticateChallenge(context.Background(), result.SessionID, "bad"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ожидалась ErrSessionNotFound, получено %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	clock := &fakeClock{current: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := NewSessionStore(300*time.Second, clock.Now)

	session := store.Create(Session{UserID: 1})
	if _, ok := store.Get(session.ID); !ok {
		t.Fatal("свежая сессия должна находиться")
	}

	clock.Advance(299 * time.Second)
	if _, ok := store.Get(session.ID); !ok {
		t.Fatal("сессия ещё не истекла")
	}

	clock.Advance(2 * time.Second)
	if _, ok := store.Get(session.ID); ok {
		t.Fatal("истёкшая сессия не должна находиться")
	}
	if store.Len() != 0 {
		t.Fatal("истёкшая сессия должна быть удалена при чтении")
	}
}

func TestSessionSweepOnCreate(t *testing.T) {
	clock := &fakeClock{current: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := NewSessionStore(300*time.Second, clock.Now)

	store.Create(Session{UserID: 1})
	store.Create(Session{UserID: 2})
	clock.Advance(301 * time.Second)

	fresh := store.Create(Session{UserID: 3})
	if store.Len() != 1 {
		t.Fatalf("истёкшие сессии должны подметаться при создании, осталось %d", store.Len())
	}
	if _, ok := store.Get(fresh.ID); !ok {
		t.Fatal("свежая сессия должна остаться")
	}
}

func TestSessionDeleteIdempotent(t *testing.T) {
	store := NewSessionStore(time.Minute, nil)
	session := store.Create(Session{UserID: 1})
	store.Delete(session.ID)
	store.Delete(session.ID)
	if store.Len() != 0 {
		t.Fatal("сессия должна быть удалена")
	}
}

func TestRefreshAccount(t *testing.T) {
	providers := newStubProviders()
	profile := testProfile()
	client := &challengeClient{session: &fakeProviderSession{profile: profile, cookies: []byte("new-cookies")}}
	clock := &fakeClock{current: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(providers, client, clock)

	providers.accounts[1] = domain.ProviderAccount{
		ID: 1, UserID: 5, ExternalID: "ext-1", Handle: "old",
		EncryptedCookies: []byte("old-cookies"), IsActive: true,
	}
	providers.nextID = 1

	updated, err := svc.RefreshAccount(context.Background(), 5, 1)
	if err != nil {
		t.Fatalf("ошибка обновления: %v", err)
	}
	if updated.Handle != "keeper" {
		t.Fatalf("профиль должен обновиться, получен handle %q", updated.Handle)
	}
	if string(updated.EncryptedCookies) != "new-cookies" {
		t.Fatal("cookies должны быть перезаписаны")
	}

	if _, err := svc.RefreshAccount(context.Background(), 6, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("чужой аккаунт должен быть скрыт, получено %v", err)
	}
}
