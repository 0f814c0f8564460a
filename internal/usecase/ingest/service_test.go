package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
)

type stubRepo struct {
	targets map[int64]domain.TargetAccount
	posts   map[string]domain.Post
	media   map[int64][]domain.MediaAsset

	nextPostID   int64
	successCalls []string
	errorCalls   []string

	failCreateFor string

	providerAccounts []domain.ProviderAccount
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		targets: map[int64]domain.TargetAccount{},
		posts:   map[string]domain.Post{},
		media:   map[int64][]domain.MediaAsset{},
	}
}

// TargetAccountRepo

func (r *stubRepo) UpsertTargetAccount(account domain.TargetAccount) (domain.TargetAccount, error) {
	if account.ID == 0 {
		account.ID = int64(len(r.targets) + 1)
	}
	r.targets[account.ID] = account
	return account, nil
}

func (r *stubRepo) GetTargetAccount(id int64) (domain.TargetAccount, error) {
	target, ok := r.targets[id]
	if !ok {
		return domain.TargetAccount{}, domain.ErrNotFound
	}
	return target, nil
}

func (r *stubRepo) GetTargetAccountByHandle(userID int64, handle string) (domain.TargetAccount, error) {
	return domain.TargetAccount{}, domain.ErrNotFound
}

func (r *stubRepo) ListTargetAccounts(userID int64, limit, offset int) ([]domain.TargetAccount, error) {
	return nil, nil
}

func (r *stubRepo) ListActiveTargetAccounts() ([]domain.TargetAccount, error) { return nil, nil }

func (r *stubRepo) UpdateTargetAccountSettings(id int64, intervalMinutes, maxPosts int, active bool) (domain.TargetAccount, error) {
	return domain.TargetAccount{}, nil
}

func (r *stubRepo) MarkFetchSuccess(id int64, fetchedAt time.Time, newestPostID string) error {
	target := r.targets[id]
	now := fetchedAt
	target.LastFetchedAt = &now
	target.ConsecutiveErrors = 0
	target.LastError = ""
	if newestPostID != "" {
		target.LastPostID = newestPostID
	}
	r.targets[id] = target
	r.successCalls = append(r.successCalls, newestPostID)
	return nil
}

func (r *stubRepo) MarkFetchError(id int64, occurredAt time.Time, message string) error {
	target := r.targets[id]
	target.ConsecutiveErrors++
	target.LastError = message
	now := occurredAt
	target.LastErrorAt = &now
	r.targets[id] = target
	r.errorCalls = append(r.errorCalls, message)
	return nil
}

func (r *stubRepo) DeleteTargetAccount(id int64) error { return nil }

// PostRepo

func (r *stubRepo) CreatePost(post domain.Post) (domain.Post, bool, error) {
	if r.failCreateFor != "" && post.ExternalID == r.failCreateFor {
		return domain.Post{}, false, errors.New("соединение с БД потеряно")
	}
	if existing, ok := r.posts[post.ExternalID]; ok {
		return existing, false, nil
	}
	r.nextPostID++
	post.ID = r.nextPostID
	r.posts[post.ExternalID] = post
	return post, true, nil
}

func (r *stubRepo) GetPost(id int64) (domain.Post, error) { return domain.Post{}, domain.ErrNotFound }

func (r *stubRepo) GetPostByExternalID(externalID string) (domain.Post, error) {
	post, ok := r.posts[externalID]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, nil
}

func (r *stubRepo) ListPosts(userID int64, filter domain.PostFilter) ([]domain.Post, error) {
	return nil, nil
}

func (r *stubRepo) ListTimelinePosts(userID, timelineID int64, limit, offset int) ([]domain.Post, error) {
	return nil, nil
}

func (r *stubRepo) MarkRead(userID, postID int64) error              { return nil }
func (r *stubRepo) SetBookmarked(userID, postID int64, b bool) error { return nil }
func (r *stubRepo) ListBookmarkedPosts(userID int64, limit, offset int) ([]domain.Post, error) {
	return nil, nil
}

// MediaRepo

func (r *stubRepo) SaveMediaAssets(postID int64, assets []domain.MediaAsset) error {
	for i := range assets {
		assets[i].ID = int64(len(r.media[postID]) + 1)
		assets[i].PostID = postID
		assets[i].Status = domain.MediaStatusPending
		r.media[postID] = append(r.media[postID], assets[i])
	}
	return nil
}

func (r *stubRepo) GetMediaAsset(id int64) (domain.MediaAsset, error) {
	return domain.MediaAsset{}, domain.ErrNotFound
}

func (r *stubRepo) ListMediaByPost(postID int64) ([]domain.MediaAsset, error) {
	return r.media[postID], nil
}

func (r *stubRepo) ListPendingMedia(limit int) ([]domain.MediaAsset, error) { return nil, nil }

func (r *stubRepo) ResetFailedMedia(maxAttempts, limit int) ([]domain.MediaAsset, error) {
	return nil, nil
}

func (r *stubRepo) MarkMediaDownloading(id int64) (domain.MediaAsset, error) {
	return domain.MediaAsset{}, nil
}

func (r *stubRepo) MarkMediaCompleted(id int64, storagePath string, fileSize int64, downloadedAt time.Time) error {
	return nil
}

func (r *stubRepo) MarkMediaFailed(id int64) error { return nil }

// ProviderAccountRepo

func (r *stubRepo) UpsertProviderAccount(account domain.ProviderAccount) (domain.ProviderAccount, error) {
	return account, nil
}

func (r *stubRepo) GetProviderAccount(id int64) (domain.ProviderAccount, error) {
	return domain.ProviderAccount{}, domain.ErrNotFound
}

func (r *stubRepo) ListProviderAccounts(userID int64) ([]domain.ProviderAccount, error) {
	return r.providerAccounts, nil
}

func (r *stubRepo) ListActiveProviderAccounts() ([]domain.ProviderAccount, error) {
	return r.providerAccounts, nil
}

func (r *stubRepo) UpdateProviderCookies(id int64, cookies []byte, loginAt time.Time) error {
	return nil
}

func (r *stubRepo) SetProviderAccountActive(id int64, active bool) error { return nil }
func (r *stubRepo) DeleteProviderAccount(id int64) error                 { return nil }

// fakeSession отдаёт заранее заданные посты.
type fakeSession struct {
	posts    []domain.ProviderPost
	postsErr error
	profile  domain.ProviderProfile
}

func (f *fakeSession) Export(ctx context.Context) ([]byte, error) { return []byte("cookies"), nil }
func (f *fakeSession) Self(ctx context.Context) (domain.ProviderProfile, error) {
	return f.profile, nil
}
func (f *fakeSession) Profile(ctx context.Context, handle string) (domain.ProviderProfile, error) {
	return f.profile, nil
}
func (f *fakeSession) RecentPosts(ctx context.Context, externalID string, limit int) ([]domain.ProviderPost, error) {
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	if limit < len(f.posts) {
		return f.posts[:limit], nil
	}
	return f.posts, nil
}

type fakeClient struct {
	session    *fakeSession
	restoreErr error
}

func (f *fakeClient) Login(ctx context.Context, handle, email, password string) (domain.ProviderSession, error) {
	return f.session, nil
}
func (f *fakeClient) ResumeLogin(ctx context.Context, flow []byte, code string) (domain.ProviderSession, error) {
	return f.session, nil
}
func (f *fakeClient) Restore(ctx context.Context, cookies []byte) (domain.ProviderSession, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return f.session, nil
}

// plainBox не шифрует, только помечает данные.
type plainBox struct{}

func (plainBox) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (plainBox) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

type fakeQueue struct {
	jobs []domain.MediaJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, job domain.MediaJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) (domain.MediaJob, error) {
	return domain.MediaJob{}, errors.New("не реализовано")
}

func baseAuthor(handle string) domain.ProviderProfile {
	return domain.ProviderProfile{ID: "u-" + handle, Handle: handle, DisplayName: handle, CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func providerPost(id, handle, text string, postedAt time.Time) domain.ProviderPost {
	return domain.ProviderPost{
		ID:        id,
		Text:      text,
		FullText:  text,
		Lang:      "en",
		CreatedAt: postedAt,
		Author:    baseAuthor(handle),
	}
}

func newTestService(repo *stubRepo, client domain.ProviderClient, queue domain.MediaQueue) *Service {
	return NewService(repo, repo, repo, repo, client, plainBox{}, queue, zerolog.Nop(), 60, 20)
}

func seedTarget(repo *stubRepo) domain.TargetAccount {
	target := domain.TargetAccount{
		ID: 1, UserID: 1, ExternalID: "u-alice", Handle: "alice",
		FetchIntervalMinutes: 60, MaxPostsPerFetch: 20, IsActive: true,
	}
	repo.targets[1] = target
	repo.providerAccounts = []domain.ProviderAccount{{ID: 1, IsActive: true, EncryptedCookies: []byte("cookies")}}
	return target
}

func TestFetchPostsEndToEnd(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	p3 := providerPost("p3", "alice", "третий", now.Add(-2*time.Hour))
	p2 := providerPost("p2", "alice", "второй", now.Add(-time.Hour))
	p1 := providerPost("p1", "alice", "первый", now)

	session := &fakeSession{posts: []domain.ProviderPost{p1, p2, p3}, profile: baseAuthor("alice")}
	svc := newTestService(repo, &fakeClient{session: session}, nil)

	saved, err := svc.FetchPosts(context.Background(), 1)
	if err != nil {
		t.Fatalf("ошибка сбора: %v", err)
	}
	if saved != 3 {
		t.Fatalf("ожидалось 3 сохранённых поста, получено %d", saved)
	}
	target := repo.targets[1]
	if target.LastPostID != "p1" {
		t.Fatalf("ожидался курсор p1, получен %q", target.LastPostID)
	}
	if target.LastFetchedAt == nil || target.ConsecutiveErrors != 0 {
		t.Fatal("успешный сбор должен сбросить поля ошибок и выставить last_fetched_at")
	}

	// Повторный сбор тех же постов ничего не добавляет и не двигает курсор.
	saved, err = svc.FetchPosts(context.Background(), 1)
	if err != nil {
		t.Fatalf("ошибка повторного сбора: %v", err)
	}
	if saved != 0 {
		t.Fatalf("повторный сбор должен сохранить 0 постов, получено %d", saved)
	}
	if repo.targets[1].LastPostID != "p1" {
		t.Fatalf("курсор не должен меняться без новых постов, получен %q", repo.targets[1].LastPostID)
	}
	if len(repo.posts) != 3 {
		t.Fatalf("ожидалось 3 строки постов, получено %d", len(repo.posts))
	}
}

func TestFetchPostsPerPostFailureIsolated(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	repo.failCreateFor = "p2"
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	p3 := providerPost("p3", "alice", "третий", now.Add(-2*time.Hour))
	p2 := providerPost("p2", "alice", "второй", now.Add(-time.Hour))
	p1 := providerPost("p1", "alice", "первый", now)

	session := &fakeSession{posts: []domain.ProviderPost{p1, p2, p3}, profile: baseAuthor("alice")}
	svc := newTestService(repo, &fakeClient{session: session}, nil)

	saved, err := svc.FetchPosts(context.Background(), 1)
	if err != nil {
		t.Fatalf("сбой на одном посте не должен прерывать партию: %v", err)
	}
	if saved != 2 {
		t.Fatalf("ожидалось 2 сохранённых поста, получено %d", saved)
	}
	if _, ok := repo.posts["p1"]; !ok {
		t.Fatal("p1 должен быть сохранён")
	}
	if _, ok := repo.posts["p3"]; !ok {
		t.Fatal("p3 должен быть сохранён несмотря на сбой p2")
	}
	if _, ok := repo.posts["p2"]; ok {
		t.Fatal("p2 не должен был сохраниться")
	}
	if len(repo.successCalls) != 1 {
		t.Fatalf("сбор должен завершиться успехом, успехов: %d", len(repo.successCalls))
	}
	if len(repo.errorCalls) != 0 {
		t.Fatalf("сбой отдельного поста не считается ошибкой сбора: %v", repo.errorCalls)
	}
	target := repo.targets[1]
	if target.ConsecutiveErrors != 0 || target.LastFetchedAt == nil {
		t.Fatal("поля ошибок должны быть сброшены, last_fetched_at выставлен")
	}
	if target.LastPostID != "p1" {
		t.Fatalf("ожидался курсор p1, получен %q", target.LastPostID)
	}
}

func TestQuoteMaterialization(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	now := time.Now().UTC()

	original := providerPost("orig", "bob", "оригинал", now.Add(-time.Hour))
	quote := providerPost("q1", "alice", "цитирую", now)
	quote.Quote = &original

	session := &fakeSession{posts: []domain.ProviderPost{quote}}
	svc := newTestService(repo, &fakeClient{session: session}, nil)

	saved, err := svc.FetchPosts(context.Background(), 1)
	if err != nil {
		t.Fatalf("ошибка сбора: %v", err)
	}
	if saved != 1 {
		t.Fatalf("ожидался 1 основной пост, получено %d", saved)
	}
	if len(repo.posts) != 2 {
		t.Fatalf("цитата должна дать две строки, получено %d", len(repo.posts))
	}

	main := repo.posts["q1"]
	if !main.IsQuote || main.QuotedPostID != "orig" {
		t.Fatalf("основная строка должна ссылаться на оригинал: %+v", main)
	}
	if main.AuthorHandle != "bob" {
		t.Fatalf("цитирующая строка должна нести автора оригинала, получен %q", main.AuthorHandle)
	}
	quoted := repo.posts["orig"]
	if !quoted.IsQuotedOriginal {
		t.Fatal("строка оригинала должна быть помечена is_quoted_original")
	}
	if quoted.AuthorHandle != "bob" {
		t.Fatalf("оригинал должен сохранить автора bob, получен %q", quoted.AuthorHandle)
	}
}

func TestRepostOfQuote(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	now := time.Now().UTC()

	original := providerPost("orig", "carol", "исходник", now.Add(-2*time.Hour))
	quoting := providerPost("quoting", "bob", "цитата", now.Add(-time.Hour))
	quoting.Quote = &original
	repost := providerPost("rt1", "alice", "", now)
	repost.Repost = &quoting

	session := &fakeSession{posts: []domain.ProviderPost{repost}}
	svc := newTestService(repo, &fakeClient{session: session}, nil)

	if _, err := svc.FetchPosts(context.Background(), 1); err != nil {
		t.Fatalf("ошибка сбора: %v", err)
	}
	if len(repo.posts) != 2 {
		t.Fatalf("репост цитаты должен дать ровно две строки, получено %d", len(repo.posts))
	}

	main := repo.posts["rt1"]
	if !main.IsRepost || !main.IsQuote {
		t.Fatalf("основная строка должна быть и репостом, и цитатой: %+v", main)
	}
	if main.RepostedPostID != "quoting" || main.QuotedPostID != "orig" {
		t.Fatalf("ссылки на оригиналы некорректны: %+v", main)
	}
	if main.AuthorHandle != "bob" {
		t.Fatalf("репост должен перенять автора оригинала, получен %q", main.AuthorHandle)
	}
	if !repo.posts["orig"].IsQuotedOriginal {
		t.Fatal("цитируемый оригинал должен быть сохранён отдельной строкой")
	}
}

func TestFetchErrorBookkeeping(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)

	session := &fakeSession{postsErr: errors.New("таймаут провайдера")}
	svc := newTestService(repo, &fakeClient{session: session}, nil)

	if _, err := svc.FetchPosts(context.Background(), 1); err == nil {
		t.Fatal("ожидалась ошибка сбора")
	}
	target := repo.targets[1]
	if target.ConsecutiveErrors != 1 {
		t.Fatalf("ожидался счётчик ошибок 1, получено %d", target.ConsecutiveErrors)
	}
	if target.LastError == "" || target.LastErrorAt == nil {
		t.Fatal("ошибка должна быть записана с меткой времени")
	}

	if _, err := svc.FetchPosts(context.Background(), 1); err == nil {
		t.Fatal("ожидалась ошибка сбора")
	}
	if repo.targets[1].ConsecutiveErrors != 2 {
		t.Fatalf("счётчик должен расти: %d", repo.targets[1].ConsecutiveErrors)
	}
}

func TestFetchPostsNoProviderAccount(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	repo.providerAccounts = nil

	svc := newTestService(repo, &fakeClient{session: &fakeSession{}}, nil)
	if _, err := svc.FetchPosts(context.Background(), 1); !errors.Is(err, ErrNoProviderAccount) {
		t.Fatalf("ожидалась ErrNoProviderAccount, получено %v", err)
	}
	if repo.targets[1].ConsecutiveErrors != 1 {
		t.Fatal("отсутствие сессии должно фиксироваться как ошибка сбора")
	}
}

func TestMediaPersistedAndEnqueued(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	now := time.Now().UTC()

	post := providerPost("m1", "alice", "с картинкой", now)
	post.Media = []domain.ProviderMedia{{Key: "media-1", Type: domain.MediaTypePhoto, URL: "https://cdn.example/1.jpg"}}

	queue := &fakeQueue{}
	session := &fakeSession{posts: []domain.ProviderPost{post}}
	svc := newTestService(repo, &fakeClient{session: session}, queue)

	if _, err := svc.FetchPosts(context.Background(), 1); err != nil {
		t.Fatalf("ошибка сбора: %v", err)
	}

	saved := repo.posts["m1"]
	if !saved.HasMedia {
		t.Fatal("пост должен быть помечен has_media")
	}
	assets := repo.media[saved.ID]
	if len(assets) != 1 || assets[0].MediaKey != "media-1" {
		t.Fatalf("медиавложение не сохранено: %+v", assets)
	}
	if assets[0].Status != domain.MediaStatusPending {
		t.Fatalf("новое вложение должно быть pending, получено %q", assets[0].Status)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Cause != domain.MediaCauseIngest {
		t.Fatalf("ожидалась одна задача загрузки, получено %+v", queue.jobs)
	}
}

func TestResolveTargetValidation(t *testing.T) {
	repo := newStubRepo()
	seedTarget(repo)
	svc := newTestService(repo, &fakeClient{session: &fakeSession{profile: baseAuthor("dave")}}, nil)

	if _, err := svc.ResolveTarget(context.Background(), 1, "dave", 4, 20); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("ожидалась ErrInvalidInterval, получено %v", err)
	}
	if _, err := svc.ResolveTarget(context.Background(), 1, "dave", 60, 101); !errors.Is(err, ErrInvalidMaxPosts) {
		t.Fatalf("ожидалась ErrInvalidMaxPosts, получено %v", err)
	}

	target, err := svc.ResolveTarget(context.Background(), 1, "dave", 0, 0)
	if err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}
	if target.FetchIntervalMinutes != 60 || target.MaxPostsPerFetch != 20 {
		t.Fatalf("должны применяться значения по умолчанию: %+v", target)
	}
	if target.ExternalID != "u-dave" || !target.IsActive {
		t.Fatalf("профиль должен быть применён: %+v", target)
	}
}
