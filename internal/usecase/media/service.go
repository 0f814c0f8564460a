package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// ErrNoSourceURL возвращается, когда у вложения нет адреса для загрузки.
var ErrNoSourceURL = errors.New("у вложения отсутствует URL источника")

// Service скачивает вложения постов в объектное хранилище.
//
// Вложение проходит состояния pending -> downloading -> completed/failed.
// Счётчик попыток увеличивается ровно один раз за вызов ProcessOne,
// в момент перехода в downloading.
type Service struct {
	media   domain.MediaRepo
	storage domain.ObjectStorage
	http    *http.Client
	log     zerolog.Logger
	now     func() time.Time

	maxAttempts int
	batchSize   int
}

func NewService(media domain.MediaRepo, storage domain.ObjectStorage, downloadTimeout time.Duration, maxAttempts, batchSize int, logger zerolog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		media:       media,
		storage:     storage,
		http:        &http.Client{Timeout: downloadTimeout},
		log:         logger,
		now:         now,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
	}
}

// ProcessOne обрабатывает одно вложение. Уже завершённые вложения
// пропускаются без изменения состояния. Если объект уже лежит в хранилище,
// загрузка не выполняется и вложение сразу помечается завершённым.
func (s *Service) ProcessOne(ctx context.Context, assetID int64) error {
	asset, err := s.media.GetMediaAsset(assetID)
	if err != nil {
		return fmt.Errorf("получение вложения: %w", err)
	}
	if asset.Status == domain.MediaStatusCompleted {
		return nil
	}

	asset, err = s.media.MarkMediaDownloading(assetID)
	if err != nil {
		return fmt.Errorf("перевод вложения в downloading: %w", err)
	}

	start := time.Now()
	path := storagePath(asset)

	exists, err := s.storage.Exists(ctx, path)
	if err != nil {
		s.fail(asset.ID, start, fmt.Errorf("проверка наличия объекта: %w", err))
		return fmt.Errorf("проверка наличия объекта: %w", err)
	}
	if exists {
		if err := s.media.MarkMediaCompleted(asset.ID, path, asset.FileSize, s.now()); err != nil {
			return fmt.Errorf("завершение вложения: %w", err)
		}
		metrics.ObserveMediaDownload("cached", start)
		s.log.Debug().Int64("media_asset_id", asset.ID).Str("path", path).Msg("объект уже в хранилище, загрузка пропущена")
		return nil
	}

	size, err := s.download(ctx, asset, path)
	if err != nil {
		s.fail(asset.ID, start, err)
		return fmt.Errorf("загрузка вложения %d: %w", asset.ID, err)
	}
	if err := s.media.MarkMediaCompleted(asset.ID, path, size, s.now()); err != nil {
		return fmt.Errorf("завершение вложения: %w", err)
	}
	metrics.ObserveMediaDownload("completed", start)
	s.log.Info().Int64("media_asset_id", asset.ID).Str("path", path).Int64("size", size).Msg("вложение загружено")
	return nil
}

// ProcessPendingBatch обрабатывает очередную партию ожидающих вложений.
// Ошибки отдельных вложений не прерывают партию.
func (s *Service) ProcessPendingBatch(ctx context.Context) (int, error) {
	assets, err := s.media.ListPendingMedia(s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("выборка ожидающих вложений: %w", err)
	}
	return s.processAll(ctx, assets), nil
}

// RetryFailedBatch возвращает failed-вложения с неисчерпанными попытками
// в pending и сразу обрабатывает их.
func (s *Service) RetryFailedBatch(ctx context.Context) (int, error) {
	assets, err := s.media.ResetFailedMedia(s.maxAttempts, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("сброс неудачных вложений: %w", err)
	}
	return s.processAll(ctx, assets), nil
}

func (s *Service) processAll(ctx context.Context, assets []domain.MediaAsset) int {
	processed := 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			return processed
		}
		if err := s.ProcessOne(ctx, asset.ID); err != nil {
			s.log.Error().Err(err).Int64("media_asset_id", asset.ID).Msg("не удалось обработать вложение")
			continue
		}
		processed++
	}
	return processed
}

func (s *Service) download(ctx context.Context, asset domain.MediaAsset, path string) (int64, error) {
	if asset.URL == "" {
		return 0, ErrNoSourceURL
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("создание запроса: %w", err)
	}
	resp, err := s.http.Do(req)
	metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
	if err != nil {
		return 0, fmt.Errorf("запрос к источнику: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("источник вернул статус %d", resp.StatusCode)
	}

	if err := s.storage.Put(ctx, path, resp.Body, resp.ContentLength, contentTypeFor(asset.Type)); err != nil {
		return 0, fmt.Errorf("запись в хранилище: %w", err)
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	return 0, nil
}

func (s *Service) fail(assetID int64, start time.Time, cause error) {
	metrics.ObserveMediaDownload("failed", start)
	if err := s.media.MarkMediaFailed(assetID); err != nil {
		s.log.Error().Err(err).Int64("media_asset_id", assetID).Msg("не удалось пометить вложение неудачным")
	}
	s.log.Warn().Err(cause).Int64("media_asset_id", assetID).Msg("загрузка вложения не удалась")
}

func storagePath(asset domain.MediaAsset) string {
	return fmt.Sprintf("%d/%s%s", asset.PostID, asset.MediaKey, extensionFor(asset.Type))
}

func contentTypeFor(mediaType string) string {
	switch mediaType {
	case domain.MediaTypePhoto:
		return "image/jpeg"
	case domain.MediaTypeVideo:
		return "video/mp4"
	case domain.MediaTypeGIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case domain.MediaTypePhoto:
		return ".jpg"
	case domain.MediaTypeVideo:
		return ".mp4"
	case domain.MediaTypeGIF:
		return ".gif"
	default:
		return ""
	}
}
