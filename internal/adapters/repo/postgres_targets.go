package repo

import (
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

const targetAccountColumns = `id, user_id, external_id, handle, display_name, description, location,
avatar_url, banner_url, is_protected, is_verified, followers_count, following_count, posts_count,
account_created_at, fetch_interval_minutes, max_posts_per_fetch, is_active,
last_fetched_at, last_post_id, consecutive_errors, last_error, last_error_at,
created_at, updated_at`

func scanTargetAccount(row pgx.Row) (domain.TargetAccount, error) {
	var (
		acc            domain.TargetAccount
		accountCreated sql.NullTime
		lastFetched    sql.NullTime
		lastErrorAt    sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.UserID, &acc.ExternalID, &acc.Handle, &acc.DisplayName, &acc.Description, &acc.Location,
		&acc.AvatarURL, &acc.BannerURL, &acc.IsProtected, &acc.IsVerified, &acc.FollowersCount, &acc.FollowingCount, &acc.PostsCount,
		&accountCreated, &acc.FetchIntervalMinutes, &acc.MaxPostsPerFetch, &acc.IsActive,
		&lastFetched, &acc.LastPostID, &acc.ConsecutiveErrors, &acc.LastError, &lastErrorAt,
		&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.TargetAccount{}, err
	}
	if accountCreated.Valid {
		acc.AccountCreatedAt = &accountCreated.Time
	}
	if lastFetched.Valid {
		acc.LastFetchedAt = &lastFetched.Time
	}
	if lastErrorAt.Valid {
		acc.LastErrorAt = &lastErrorAt.Time
	}
	return acc, nil
}

// UpsertTargetAccount реализует domain.TargetAccountRepo. Профильные поля
// обновляются при каждом сборе, настройки опроса сохраняются только при
// создании строки.
func (p *Postgres) UpsertTargetAccount(account domain.TargetAccount) (domain.TargetAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO target_accounts (user_id, external_id, handle, display_name, description, location,
	avatar_url, banner_url, is_protected, is_verified, followers_count, following_count, posts_count,
	account_created_at, fetch_interval_minutes, max_posts_per_fetch, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (user_id, handle) DO UPDATE SET
	external_id = EXCLUDED.external_id,
	display_name = EXCLUDED.display_name,
	description = EXCLUDED.description,
	location = EXCLUDED.location,
	avatar_url = EXCLUDED.avatar_url,
	banner_url = EXCLUDED.banner_url,
	is_protected = EXCLUDED.is_protected,
	is_verified = EXCLUDED.is_verified,
	followers_count = EXCLUDED.followers_count,
	following_count = EXCLUDED.following_count,
	posts_count = EXCLUDED.posts_count,
	account_created_at = EXCLUDED.account_created_at,
	updated_at = now()
RETURNING `+targetAccountColumns,
		account.UserID, account.ExternalID, account.Handle, account.DisplayName, account.Description, account.Location,
		account.AvatarURL, account.BannerURL, account.IsProtected, account.IsVerified,
		account.FollowersCount, account.FollowingCount, account.PostsCount,
		account.AccountCreatedAt, account.FetchIntervalMinutes, account.MaxPostsPerFetch, account.IsActive)
	saved, err := scanTargetAccount(row)
	metrics.ObserveNetworkRequest("postgres", "target_account_upsert", "target_accounts", start, err)
	if err != nil {
		return domain.TargetAccount{}, err
	}
	return saved, nil
}

// GetTargetAccount реализует domain.TargetAccountRepo.
func (p *Postgres) GetTargetAccount(id int64) (domain.TargetAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+targetAccountColumns+` FROM target_accounts WHERE id = $1`, id)
	acc, err := scanTargetAccount(row)
	metrics.ObserveNetworkRequest("postgres", "target_account_get", "target_accounts", start, err)
	if err != nil {
		return domain.TargetAccount{}, mapNoRows(err)
	}
	return acc, nil
}

// GetTargetAccountByHandle реализует domain.TargetAccountRepo.
func (p *Postgres) GetTargetAccountByHandle(userID int64, handle string) (domain.TargetAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+targetAccountColumns+` FROM target_accounts WHERE user_id = $1 AND handle = $2`, userID, handle)
	acc, err := scanTargetAccount(row)
	metrics.ObserveNetworkRequest("postgres", "target_account_get_by_handle", "target_accounts", start, err)
	if err != nil {
		return domain.TargetAccount{}, mapNoRows(err)
	}
	return acc, nil
}

// ListTargetAccounts реализует domain.TargetAccountRepo.
func (p *Postgres) ListTargetAccounts(userID int64, limit, offset int) ([]domain.TargetAccount, error) {
	return p.listTargetAccounts(`SELECT `+targetAccountColumns+` FROM target_accounts WHERE user_id = $1 ORDER BY id LIMIT $2 OFFSET $3`, userID, limit, offset)
}

// ListActiveTargetAccounts реализует domain.TargetAccountRepo.
func (p *Postgres) ListActiveTargetAccounts() ([]domain.TargetAccount, error) {
	return p.listTargetAccounts(`SELECT ` + targetAccountColumns + ` FROM target_accounts WHERE is_active ORDER BY id`)
}

func (p *Postgres) listTargetAccounts(query string, args ...any) ([]domain.TargetAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "target_account_list", "target_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.TargetAccount
	for rows.Next() {
		acc, err := scanTargetAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateTargetAccountSettings реализует domain.TargetAccountRepo.
func (p *Postgres) UpdateTargetAccountSettings(id int64, intervalMinutes, maxPosts int, active bool) (domain.TargetAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
UPDATE target_accounts SET
	fetch_interval_minutes = $2,
	max_posts_per_fetch = $3,
	is_active = $4,
	updated_at = now()
WHERE id = $1
RETURNING `+targetAccountColumns, id, intervalMinutes, maxPosts, active)
	acc, err := scanTargetAccount(row)
	metrics.ObserveNetworkRequest("postgres", "target_account_update_settings", "target_accounts", start, err)
	if err != nil {
		return domain.TargetAccount{}, mapNoRows(err)
	}
	return acc, nil
}

// MarkFetchSuccess реализует domain.TargetAccountRepo.
func (p *Postgres) MarkFetchSuccess(id int64, fetchedAt time.Time, newestPostID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE target_accounts SET
	last_fetched_at = $2,
	consecutive_errors = 0,
	last_error = '',
	last_error_at = NULL,
	last_post_id = CASE WHEN $3 <> '' THEN $3 ELSE last_post_id END,
	updated_at = now()
WHERE id = $1
`, id, fetchedAt, newestPostID)
	metrics.ObserveNetworkRequest("postgres", "target_account_mark_success", "target_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFetchError реализует domain.TargetAccountRepo.
func (p *Postgres) MarkFetchError(id int64, occurredAt time.Time, message string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE target_accounts SET
	consecutive_errors = consecutive_errors + 1,
	last_error = $3,
	last_error_at = $2,
	updated_at = now()
WHERE id = $1
`, id, occurredAt, message)
	metrics.ObserveNetworkRequest("postgres", "target_account_mark_error", "target_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteTargetAccount реализует domain.TargetAccountRepo.
func (p *Postgres) DeleteTargetAccount(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM target_accounts WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "target_account_delete", "target_accounts", start, err)
	return err
}
