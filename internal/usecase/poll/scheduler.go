package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// ErrAlreadyStarted возвращается при повторном запуске планировщика.
var ErrAlreadyStarted = errors.New("планировщик уже запущен")

// Fetcher запускает один цикл сбора постов аккаунта.
type Fetcher interface {
	FetchPosts(ctx context.Context, targetAccountID int64) (int, error)
}

// Scheduler держит по одному таймеру на каждый активный отслеживаемый
// аккаунт. Первое срабатывание каждого таймера откладывается на случайную
// величину, чтобы размазать нагрузку после старта процесса, каждое
// последующее — на интервал аккаунта с небольшим случайным дрожанием.
type Scheduler struct {
	targets         domain.TargetAccountRepo
	fetcher         Fetcher
	log             zerolog.Logger
	initialDelayMax time.Duration
	jitter          time.Duration
	rnd             func() float64

	mu      sync.Mutex
	ctx     context.Context
	timers  map[int64]*accountTimer
	started bool
}

type accountTimer struct {
	cancel  context.CancelFunc
	running atomic.Bool
}

// NewScheduler создаёт планировщик. rnd используется для генерации задержек;
// nil означает стандартный источник случайности.
func NewScheduler(targets domain.TargetAccountRepo, fetcher Fetcher, logger zerolog.Logger, initialDelayMax, jitter time.Duration, rnd func() float64) *Scheduler {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Scheduler{
		targets:         targets,
		fetcher:         fetcher,
		log:             logger,
		initialDelayMax: initialDelayMax,
		jitter:          jitter,
		rnd:             rnd,
		timers:          make(map[int64]*accountTimer),
	}
}

// Start загружает активные аккаунты и ставит таймер на каждый. Вызывается
// один раз на процесс.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	accounts, err := s.targets.ListActiveTargetAccounts()
	if err != nil {
		return fmt.Errorf("загрузка активных аккаунтов: %w", err)
	}
	for _, account := range accounts {
		s.Schedule(account)
	}
	s.log.Info().Int("accounts", len(accounts)).Msg("scheduler: запущен")
	return nil
}

// Stop снимает все таймеры. Уже запущенные циклы сбора не прерываются
// принудительно и завершатся сами.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.cancel()
		delete(s.timers, id)
	}
	s.started = false
	metrics.SchedulerActiveTimers.Set(0)
	s.log.Info().Msg("scheduler: остановлен")
}

// Schedule ставит таймер для аккаунта. Для неактивного аккаунта ничего не
// делает. Существующий таймер заменяется, так что на аккаунт всегда
// приходится не больше одного таймера.
func (s *Scheduler) Schedule(account domain.TargetAccount) {
	if !account.IsActive {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if existing, ok := s.timers[account.ID]; ok {
		existing.cancel()
		delete(s.timers, account.ID)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	timer := &accountTimer{cancel: cancel}
	s.timers[account.ID] = timer
	metrics.SchedulerActiveTimers.Set(float64(len(s.timers)))

	interval := time.Duration(account.FetchIntervalMinutes) * time.Minute
	initialDelay := s.randomInitialDelay()
	s.log.Debug().
		Int64("target_account_id", account.ID).
		Str("handle", account.Handle).
		Dur("initial_delay", initialDelay).
		Dur("interval", interval).
		Msg("scheduler: аккаунт поставлен в расписание")

	go s.runLoop(ctx, account.ID, interval, initialDelay, timer)
}

// Unschedule снимает таймер аккаунта. Повторный вызов безопасен.
func (s *Scheduler) Unschedule(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[accountID]
	if !ok {
		return
	}
	timer.cancel()
	delete(s.timers, accountID)
	metrics.SchedulerActiveTimers.Set(float64(len(s.timers)))
	s.log.Debug().Int64("target_account_id", accountID).Msg("scheduler: таймер снят")
}

// Reschedule переустанавливает таймер с новыми настройками аккаунта.
func (s *Scheduler) Reschedule(account domain.TargetAccount) {
	s.Unschedule(account.ID)
	s.Schedule(account)
}

// Scheduled сообщает, стоит ли таймер для аккаунта.
func (s *Scheduler) Scheduled(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[accountID]
	return ok
}

func (s *Scheduler) randomInitialDelay() time.Duration {
	if s.initialDelayMax <= 0 {
		return 0
	}
	return time.Duration(s.rnd() * float64(s.initialDelayMax))
}

func (s *Scheduler) nextInterval(interval time.Duration) time.Duration {
	next := interval
	if s.jitter > 0 {
		next += time.Duration((s.rnd()*2 - 1) * float64(s.jitter))
	}
	if next < time.Second {
		next = time.Second
	}
	return next
}

func (s *Scheduler) runLoop(ctx context.Context, accountID int64, interval, initialDelay time.Duration, timer *accountTimer) {
	t := time.NewTimer(initialDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.fire(ctx, accountID, timer)
			t.Reset(s.nextInterval(interval))
		}
	}
}

// fire выполняет один цикл сбора. Ошибки и паники не останавливают таймер:
// учёт неудач ведёт сам сервис сбора, планировщик только логирует.
func (s *Scheduler) fire(ctx context.Context, accountID int64, timer *accountTimer) {
	if !timer.running.CompareAndSwap(false, true) {
		s.log.Warn().Int64("target_account_id", accountID).Msg("scheduler: предыдущий сбор ещё идёт, пропускаем")
		return
	}
	defer timer.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			metrics.FetchErrors.Inc()
			s.log.Error().Int64("target_account_id", accountID).Interface("panic", r).Msg("scheduler: паника в цикле сбора")
		}
	}()

	metrics.IncFetchForAccount(accountID)
	start := time.Now()
	saved, err := s.fetcher.FetchPosts(ctx, accountID)
	metrics.IngestDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchErrors.Inc()
		s.log.Error().Err(err).Int64("target_account_id", accountID).Msg("scheduler: цикл сбора завершился ошибкой")
		return
	}
	s.log.Info().Int64("target_account_id", accountID).Int("saved", saved).Msg("scheduler: цикл сбора завершён")
}
