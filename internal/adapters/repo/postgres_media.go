package repo

import (
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

const mediaColumns = `id, post_id, media_key, type, url, preview_url, width, height, duration_ms,
alt_text, variants, status, attempts, file_size, storage_path, downloaded_at, created_at, updated_at`

func scanMediaAsset(row pgx.Row) (domain.MediaAsset, error) {
	var (
		asset      domain.MediaAsset
		downloaded sql.NullTime
	)
	err := row.Scan(&asset.ID, &asset.PostID, &asset.MediaKey, &asset.Type, &asset.URL, &asset.PreviewURL,
		&asset.Width, &asset.Height, &asset.DurationMS, &asset.AltText, &asset.VariantsJSON,
		&asset.Status, &asset.Attempts, &asset.FileSize, &asset.StoragePath, &downloaded,
		&asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return domain.MediaAsset{}, err
	}
	if downloaded.Valid {
		asset.DownloadedAt = &downloaded.Time
	}
	return asset, nil
}

// SaveMediaAssets реализует domain.MediaRepo. Повторное сохранение того же
// media_key не создаёт дубликатов и не сбрасывает статус загрузки.
func (p *Postgres) SaveMediaAssets(postID int64, assets []domain.MediaAsset) error {
	if len(assets) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	for _, asset := range assets {
		variants := asset.VariantsJSON
		if len(variants) == 0 {
			variants = []byte("[]")
		}
		start := time.Now()
		_, err := p.pool.Exec(ctx, `
INSERT INTO media_assets (post_id, media_key, type, url, preview_url, width, height, duration_ms,
	alt_text, variants, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (media_key) DO NOTHING
`, postID, asset.MediaKey, asset.Type, asset.URL, asset.PreviewURL, asset.Width, asset.Height, asset.DurationMS,
			asset.AltText, variants, domain.MediaStatusPending)
		metrics.ObserveNetworkRequest("postgres", "media_insert", "media_assets", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMediaAsset реализует domain.MediaRepo.
func (p *Postgres) GetMediaAsset(id int64) (domain.MediaAsset, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE id = $1`, id)
	asset, err := scanMediaAsset(row)
	metrics.ObserveNetworkRequest("postgres", "media_get", "media_assets", start, err)
	if err != nil {
		return domain.MediaAsset{}, mapNoRows(err)
	}
	return asset, nil
}

// ListMediaByPost реализует domain.MediaRepo.
func (p *Postgres) ListMediaByPost(postID int64) ([]domain.MediaAsset, error) {
	return p.listMedia("media_list_by_post", `SELECT `+mediaColumns+` FROM media_assets WHERE post_id = $1 ORDER BY id`, postID)
}

// ListPendingMedia реализует domain.MediaRepo.
func (p *Postgres) ListPendingMedia(limit int) ([]domain.MediaAsset, error) {
	return p.listMedia("media_list_pending", `
SELECT `+mediaColumns+` FROM media_assets WHERE status = $1 ORDER BY id LIMIT $2
`, domain.MediaStatusPending, limit)
}

// ResetFailedMedia реализует domain.MediaRepo.
func (p *Postgres) ResetFailedMedia(maxAttempts, limit int) ([]domain.MediaAsset, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE media_assets SET status = $1, updated_at = now()
WHERE id IN (
	SELECT id FROM media_assets
	WHERE status = $2 AND attempts < $3
	ORDER BY id LIMIT $4
)
RETURNING `+mediaColumns, domain.MediaStatusPending, domain.MediaStatusFailed, maxAttempts, limit)
	metrics.ObserveNetworkRequest("postgres", "media_reset_failed", "media_assets", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []domain.MediaAsset
	for rows.Next() {
		asset, err := scanMediaAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (p *Postgres) listMedia(operation, query string, args ...any) ([]domain.MediaAsset, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "media_assets", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []domain.MediaAsset
	for rows.Next() {
		asset, err := scanMediaAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// MarkMediaDownloading реализует domain.MediaRepo. Счётчик попыток
// увеличивается ровно здесь, один раз на цикл обработки.
func (p *Postgres) MarkMediaDownloading(id int64) (domain.MediaAsset, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
UPDATE media_assets SET status = $2, attempts = attempts + 1, updated_at = now()
WHERE id = $1
RETURNING `+mediaColumns, id, domain.MediaStatusDownloading)
	asset, err := scanMediaAsset(row)
	metrics.ObserveNetworkRequest("postgres", "media_mark_downloading", "media_assets", start, err)
	if err != nil {
		return domain.MediaAsset{}, mapNoRows(err)
	}
	return asset, nil
}

// MarkMediaCompleted реализует domain.MediaRepo.
func (p *Postgres) MarkMediaCompleted(id int64, storagePath string, fileSize int64, downloadedAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE media_assets SET status = $2, storage_path = $3, file_size = $4, downloaded_at = $5, updated_at = now()
WHERE id = $1
`, id, domain.MediaStatusCompleted, storagePath, fileSize, downloadedAt)
	metrics.ObserveNetworkRequest("postgres", "media_mark_completed", "media_assets", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkMediaFailed реализует domain.MediaRepo.
func (p *Postgres) MarkMediaFailed(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE media_assets SET status = $2, updated_at = now() WHERE id = $1
`, id, domain.MediaStatusFailed)
	metrics.ObserveNetworkRequest("postgres", "media_mark_failed", "media_assets", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
