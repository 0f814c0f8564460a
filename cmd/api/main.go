package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tweetkeeper/internal/adapters/httpapi"
	"tweetkeeper/internal/adapters/repo"
	"tweetkeeper/internal/adapters/scraper"
	"tweetkeeper/internal/adapters/storage"
	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/cache"
	"tweetkeeper/internal/infra/config"
	"tweetkeeper/internal/infra/db"
	applog "tweetkeeper/internal/infra/log"
	"tweetkeeper/internal/infra/metrics"
	"tweetkeeper/internal/infra/queue"
	"tweetkeeper/internal/infra/secret"
	"tweetkeeper/internal/usecase/authflow"
	ingestusecase "tweetkeeper/internal/usecase/ingest"
	mediausecase "tweetkeeper/internal/usecase/media"
	"tweetkeeper/internal/usecase/poll"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	version, err := db.Migrate(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось применить миграции")
	}
	logger.Info().Uint("version", version).Msg("api: схема БД актуальна")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal().Msg("api: не указан секрет JWT (JWT_SECRET)")
	}
	if cfg.Auth.EncryptionKey == "" {
		logger.Fatal().Msg("api: не указан ключ шифрования (CREDENTIALS_ENCRYPTION_KEY)")
	}
	box, err := secret.NewBox(cfg.Auth.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать шифрование учётных данных")
	}

	if cfg.Scraper.BaseURL == "" {
		logger.Fatal().Msg("api: не указан адрес скрейпера (SCRAPER_BASE_URL)")
	}
	scraperClient, err := scraper.NewClient(cfg.Scraper.BaseURL, cfg.Scraper.APIKey, cfg.Scraper.GlobalRPS, time.Duration(cfg.Scraper.TimeoutS)*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать клиент скрейпера")
	}

	objectStorage, err := storage.NewMinio(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к объектному хранилищу")
	}

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("api: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	var mediaQueue domain.MediaQueue
	if cfg.RabbitURL != "" {
		mediaQueue, err = queue.NewRabbitMediaQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Media)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
	} else {
		mediaQueue = queue.NewRedisMediaQueue(redisClient, cfg.Queues.Media)
	}

	ingestService := ingestusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		scraperClient, box, mediaQueue,
		logger.With().Str("component", "ingest").Logger(),
		cfg.Fetch.DefaultIntervalMin, cfg.Fetch.DefaultMaxPosts,
	)

	scheduler := poll.NewScheduler(
		repoAdapter, ingestService,
		logger.With().Str("component", "scheduler").Logger(),
		time.Duration(cfg.Scheduler.InitialDelayMaxMin)*time.Minute,
		time.Duration(cfg.Scheduler.JitterSec)*time.Second,
		nil,
	)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось запустить планировщик")
	}
	defer scheduler.Stop()

	sessionStore := authflow.NewSessionStore(time.Duration(cfg.Fetch.ChallengeSessionTTL)*time.Second, nil)
	authService := authflow.NewService(repoAdapter, scraperClient, box, sessionStore,
		logger.With().Str("component", "authflow").Logger(), nil)

	mediaService := mediausecase.NewService(
		repoAdapter, objectStorage,
		time.Duration(cfg.Media.DownloadTimeoutSec)*time.Second,
		cfg.Media.MaxAttempts, cfg.Media.BatchSize,
		logger.With().Str("component", "media").Logger(), nil,
	)

	api := httpapi.NewServer(httpapi.Deps{
		Users:     repoAdapter,
		Providers: repoAdapter,
		Targets:   repoAdapter,
		Posts:     repoAdapter,
		Media:     repoAdapter,
		Timelines: repoAdapter,
		Storage:   objectStorage,
		Queue:     mediaQueue,
		Cache:     redisCache,
		Ingest:    ingestService,
		Auth:      authService,
		MediaSvc:  mediaService,
		Scheduler: scheduler,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		TokenTTL:  time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
	}, httpapi.WithLogger(logger.With().Str("component", "http").Logger()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
