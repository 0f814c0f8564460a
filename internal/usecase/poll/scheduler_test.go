package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
)

type stubTargets struct {
	active  []domain.TargetAccount
	listErr error
}

func (s *stubTargets) UpsertTargetAccount(account domain.TargetAccount) (domain.TargetAccount, error) {
	return account, nil
}
func (s *stubTargets) GetTargetAccount(id int64) (domain.TargetAccount, error) {
	return domain.TargetAccount{}, domain.ErrNotFound
}
func (s *stubTargets) GetTargetAccountByHandle(userID int64, handle string) (domain.TargetAccount, error) {
	return domain.TargetAccount{}, domain.ErrNotFound
}
func (s *stubTargets) ListTargetAccounts(userID int64, limit, offset int) ([]domain.TargetAccount, error) {
	return s.active, nil
}
func (s *stubTargets) ListActiveTargetAccounts() ([]domain.TargetAccount, error) {
	return s.active, s.listErr
}
func (s *stubTargets) UpdateTargetAccountSettings(id int64, intervalMinutes, maxPosts int, active bool) (domain.TargetAccount, error) {
	return domain.TargetAccount{}, nil
}
func (s *stubTargets) MarkFetchSuccess(id int64, fetchedAt time.Time, newestPostID string) error {
	return nil
}
func (s *stubTargets) MarkFetchError(id int64, occurredAt time.Time, message string) error {
	return nil
}
func (s *stubTargets) DeleteTargetAccount(id int64) error { return nil }

type recordingFetcher struct {
	mu    sync.Mutex
	calls []int64
	errs  map[int64]error
	done  chan int64
}

func newRecordingFetcher() *recordingFetcher {
	return &recordingFetcher{done: make(chan int64, 16), errs: map[int64]error{}}
}

func (f *recordingFetcher) FetchPosts(ctx context.Context, targetAccountID int64) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, targetAccountID)
	err := f.errs[targetAccountID]
	f.mu.Unlock()
	f.done <- targetAccountID
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *recordingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testAccount(id int64, active bool) domain.TargetAccount {
	return domain.TargetAccount{ID: id, Handle: "acc", FetchIntervalMinutes: 60, MaxPostsPerFetch: 20, IsActive: active}
}

func constRand(value float64) func() float64 {
	return func() float64 { return value }
}

func TestStartSchedulesActiveAccounts(t *testing.T) {
	targets := &stubTargets{active: []domain.TargetAccount{testAccount(1, true), testAccount(2, true)}}
	fetcher := newRecordingFetcher()
	s := NewScheduler(targets, fetcher, zerolog.Nop(), time.Hour, 0, constRand(0.9))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer s.Stop()

	if !s.Scheduled(1) || !s.Scheduled(2) {
		t.Fatal("ожидались таймеры для обоих аккаунтов")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("ожидалась ErrAlreadyStarted, получено %v", err)
	}
}

func TestStartFailsOnRepoError(t *testing.T) {
	targets := &stubTargets{listErr: errors.New("БД недоступна")}
	s := NewScheduler(targets, newRecordingFetcher(), zerolog.Nop(), time.Hour, 0, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка запуска")
	}
}

func TestScheduleInactiveNoop(t *testing.T) {
	s := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), time.Hour, 0, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer s.Stop()

	s.Schedule(testAccount(7, false))
	if s.Scheduled(7) {
		t.Fatal("для неактивного аккаунта не должно быть таймера")
	}
}

func TestUnscheduleIdempotent(t *testing.T) {
	s := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), time.Hour, 0, constRand(0.9))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer s.Stop()

	s.Schedule(testAccount(3, true))
	s.Unschedule(3)
	s.Unschedule(3)
	if s.Scheduled(3) {
		t.Fatal("таймер должен быть снят")
	}
}

func TestRescheduleKeepsSingleTimer(t *testing.T) {
	s := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), time.Hour, 0, constRand(0.9))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer s.Stop()

	account := testAccount(5, true)
	s.Schedule(account)
	account.FetchIntervalMinutes = 30
	s.Reschedule(account)
	if !s.Scheduled(5) {
		t.Fatal("после переустановки таймер должен остаться")
	}
}

func TestInitialDelayUsesInjectedRandomness(t *testing.T) {
	s := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), 100*time.Minute, 0, constRand(0.25))
	if got, want := s.randomInitialDelay(), 25*time.Minute; got != want {
		t.Fatalf("ожидалась задержка %v, получена %v", want, got)
	}

	s2 := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), 100*time.Minute, 0, constRand(0.75))
	if s.randomInitialDelay() == s2.randomInitialDelay() {
		t.Fatal("разные значения случайности должны давать разные задержки")
	}
}

func TestNextIntervalJitterBounds(t *testing.T) {
	interval := 60 * time.Minute
	jitter := 5 * time.Minute

	low := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), 0, jitter, constRand(0))
	if got := low.nextInterval(interval); got != interval-jitter {
		t.Fatalf("нижняя граница: ожидалось %v, получено %v", interval-jitter, got)
	}

	high := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), 0, jitter, constRand(1))
	if got := high.nextInterval(interval); got != interval+jitter {
		t.Fatalf("верхняя граница: ожидалось %v, получено %v", interval+jitter, got)
	}

	tiny := NewScheduler(&stubTargets{}, newRecordingFetcher(), zerolog.Nop(), 0, time.Hour, constRand(0))
	if got := tiny.nextInterval(time.Minute); got != time.Second {
		t.Fatalf("интервал не должен опускаться ниже секунды, получено %v", got)
	}
}

func TestFireSurvivesFetchError(t *testing.T) {
	fetcher := newRecordingFetcher()
	fetcher.errs[9] = errors.New("сеть недоступна")
	s := NewScheduler(&stubTargets{}, fetcher, zerolog.Nop(), 0, 0, constRand(0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer s.Stop()

	s.Schedule(testAccount(9, true))
	select {
	case <-fetcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("сбор не был запущен")
	}
	if !s.Scheduled(9) {
		t.Fatal("таймер должен пережить ошибку сбора")
	}
}

type panicFetcher struct{}

func (panicFetcher) FetchPosts(ctx context.Context, targetAccountID int64) (int, error) {
	panic("неожиданная паника")
}

func TestFireSurvivesPanic(t *testing.T) {
	s := NewScheduler(&stubTargets{}, panicFetcher{}, zerolog.Nop(), 0, 0, constRand(0))
	timer := &accountTimer{cancel: func() {}}
	s.fire(context.Background(), 1, timer)
	if timer.running.Load() {
		t.Fatal("флаг выполнения должен быть сброшен после паники")
	}
}

func TestFireSkipsWhileRunning(t *testing.T) {
	fetcher := newRecordingFetcher()
	s := NewScheduler(&stubTargets{}, fetcher, zerolog.Nop(), 0, 0, constRand(0))
	timer := &accountTimer{cancel: func() {}}
	timer.running.Store(true)
	s.fire(context.Background(), 1, timer)
	if fetcher.callCount() != 0 {
		t.Fatal("повторный запуск при идущем сборе должен быть пропущен")
	}
}
