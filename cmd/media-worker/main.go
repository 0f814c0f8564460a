package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tweetkeeper/internal/adapters/repo"
	"tweetkeeper/internal/adapters/storage"
	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/config"
	"tweetkeeper/internal/infra/db"
	applog "tweetkeeper/internal/infra/log"
	"tweetkeeper/internal/infra/metrics"
	"tweetkeeper/internal/infra/queue"
	mediausecase "tweetkeeper/internal/usecase/media"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("media-worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	objectStorage, err := storage.NewMinio(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
	if err != nil {
		logger.Fatal().Err(err).Msg("media-worker: нет подключения к объектному хранилищу")
	}

	var mediaQueue domain.MediaQueue
	if cfg.RabbitURL != "" {
		mediaQueue, err = queue.NewRabbitMediaQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Media)
		if err != nil {
			logger.Fatal().Err(err).Msg("media-worker: не удалось инициализировать очередь RabbitMQ")
		}
	} else {
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("media-worker: не указан адрес Redis (REDIS_ADDR)")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		mediaQueue = queue.NewRedisMediaQueue(redisClient, cfg.Queues.Media)
	}

	mediaService := mediausecase.NewService(
		repoAdapter, objectStorage,
		time.Duration(cfg.Media.DownloadTimeoutSec)*time.Second,
		cfg.Media.MaxAttempts, cfg.Media.BatchSize,
		logger.With().Str("component", "media").Logger(), nil,
	)

	worker := &jobWorker{
		log:     logger,
		queue:   mediaQueue,
		service: mediaService,
	}

	go worker.runPendingSweep(ctx, time.Duration(cfg.Media.PendingIntervalMin)*time.Minute)
	go worker.runRetrySweep(ctx, time.Duration(cfg.Media.RetryIntervalMin)*time.Minute)

	logger.Info().Msg("media-worker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("media-worker: остановлен")
}

type jobWorker struct {
	log     zerolog.Logger
	queue   domain.MediaQueue
	service *mediausecase.Service
}

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("media-worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("media_asset_id", job.MediaAssetID).
			Str("cause", string(job.Cause)).
			Logger()

		if job.MediaAssetID == 0 {
			jobLog.Error().Msg("media-worker: задача без вложения, пропускаем")
			continue
		}

		if err := w.service.ProcessOne(ctx, job.MediaAssetID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				jobLog.Warn().Msg("media-worker: вложение уже удалено")
				continue
			}
			jobLog.Error().Err(err).Msg("media-worker: обработка вложения не удалась")
			continue
		}
		jobLog.Info().Msg("media-worker: вложение обработано")
	}
}

// runPendingSweep периодически подбирает вложения, для которых задача из
// очереди потерялась или ещё не ставилась.
func (w *jobWorker) runPendingSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := w.service.ProcessPendingBatch(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("media-worker: обход ожидающих вложений не удался")
				continue
			}
			if processed > 0 {
				w.log.Info().Int("processed", processed).Msg("media-worker: обработаны ожидающие вложения")
			}
		}
	}
}

func (w *jobWorker) runRetrySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := w.service.RetryFailedBatch(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("media-worker: повтор неудачных загрузок не удался")
				continue
			}
			if processed > 0 {
				w.log.Info().Int("processed", processed).Msg("media-worker: повторно обработаны вложения")
			}
		}
	}
}
