package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SchedulerActiveTimers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_timers",
		Help: "Количество активных таймеров опроса",
	})
	FetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_errors_total",
		Help: "Ошибки при сборе постов",
	})
	IngestDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_duration_seconds",
		Help:    "Время одного цикла сбора постов аккаунта",
		Buckets: prometheus.DefBuckets,
	})
	IngestPostsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_posts_saved_total",
		Help: "Количество сохранённых постов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	MediaDownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_downloads_total",
		Help: "Количество обработанных загрузок медиа по результату",
	}, []string{"result"})

	MediaDownloadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_download_seconds",
		Help:    "Время загрузки одного медиафайла",
		Buckets: prometheus.DefBuckets,
	})

	FetchRequestsByAccount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_requests_by_account_total",
		Help: "Количество циклов сбора по отслеживаемым аккаунтам",
	}, []string{"target_account_id"})

	ChallengeSessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "challenge_sessions_open",
		Help: "Количество открытых сессий подтверждения входа",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SchedulerActiveTimers,
		FetchErrors,
		IngestDurationSeconds,
		IngestPostsSaved,
		NetworkRequestDuration,
		NetworkRequestTotal,
		MediaDownloadsTotal,
		MediaDownloadSeconds,
		FetchRequestsByAccount,
		ChallengeSessionsOpen,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveMediaDownload записывает результат и длительность загрузки медиа.
func ObserveMediaDownload(result string, start time.Time) {
	if result == "" {
		result = "unknown"
	}
	MediaDownloadsTotal.WithLabelValues(result).Inc()
	MediaDownloadSeconds.Observe(time.Since(start).Seconds())
}

// IncFetchForAccount увеличивает счётчик циклов сбора для аккаунта.
func IncFetchForAccount(targetAccountID int64) {
	FetchRequestsByAccount.WithLabelValues(strconv.FormatInt(targetAccountID, 10)).Inc()
}
