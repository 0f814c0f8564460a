package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo            = (*Postgres)(nil)
	_ domain.ProviderAccountRepo = (*Postgres)(nil)
	_ domain.TargetAccountRepo   = (*Postgres)(nil)
	_ domain.PostRepo            = (*Postgres)(nil)
	_ domain.MediaRepo           = (*Postgres)(nil)
	_ domain.TimelineRepo        = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// CreateUser реализует domain.UserRepo.
func (p *Postgres) CreateUser(username, passwordHash string, isAdmin bool) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (username, password_hash, is_admin)
VALUES ($1, $2, $3)
RETURNING id, username, password_hash, is_admin, created_at, updated_at
`, username, passwordHash, isAdmin).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_insert", "users", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, domain.ErrAlreadyExists
		}
		return domain.User{}, err
	}
	return user, nil
}

// GetUser реализует domain.UserRepo.
func (p *Postgres) GetUser(id int64) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, username, password_hash, is_admin, created_at, updated_at
FROM users WHERE id = $1
`, id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_get", "users", start, err)
	if err != nil {
		return domain.User{}, mapNoRows(err)
	}
	return user, nil
}

// GetUserByUsername реализует domain.UserRepo.
func (p *Postgres) GetUserByUsername(username string) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, username, password_hash, is_admin, created_at, updated_at
FROM users WHERE username = $1
`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_get_by_username", "users", start, err)
	if err != nil {
		return domain.User{}, mapNoRows(err)
	}
	return user, nil
}

// ListUsers реализует domain.UserRepo.
func (p *Postgres) ListUsers(limit, offset int) ([]domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, username, password_hash, is_admin, created_at, updated_at
FROM users ORDER BY id LIMIT $1 OFFSET $2
`, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "user_list", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DeleteUser реализует domain.UserRepo.
func (p *Postgres) DeleteUser(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "user_delete", "users", start, err)
	return err
}

const providerAccountColumns = `id, user_id, external_id, handle, display_name, email,
encrypted_password, encrypted_cookies, avatar_url, followers_count, following_count,
is_active, last_login_at, created_at, updated_at`

func scanProviderAccount(row pgx.Row) (domain.ProviderAccount, error) {
	var (
		acc       domain.ProviderAccount
		lastLogin sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.UserID, &acc.ExternalID, &acc.Handle, &acc.DisplayName, &acc.Email,
		&acc.EncryptedPassword, &acc.EncryptedCookies, &acc.AvatarURL, &acc.FollowersCount, &acc.FollowingCount,
		&acc.IsActive, &lastLogin, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.ProviderAccount{}, err
	}
	if lastLogin.Valid {
		acc.LastLoginAt = &lastLogin.Time
	}
	return acc, nil
}

// UpsertProviderAccount реализует domain.ProviderAccountRepo.
func (p *Postgres) UpsertProviderAccount(account domain.ProviderAccount) (domain.ProviderAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO provider_accounts (user_id, external_id, handle, display_name, email,
	encrypted_password, encrypted_cookies, avatar_url, followers_count, following_count,
	is_active, last_login_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11)
ON CONFLICT (external_id) DO UPDATE SET
	handle = EXCLUDED.handle,
	display_name = EXCLUDED.display_name,
	email = EXCLUDED.email,
	encrypted_password = EXCLUDED.encrypted_password,
	encrypted_cookies = EXCLUDED.encrypted_cookies,
	avatar_url = EXCLUDED.avatar_url,
	followers_count = EXCLUDED.followers_count,
	following_count = EXCLUDED.following_count,
	is_active = TRUE,
	last_login_at = EXCLUDED.last_login_at,
	updated_at = now()
RETURNING `+providerAccountColumns,
		account.UserID, account.ExternalID, account.Handle, account.DisplayName, account.Email,
		account.EncryptedPassword, account.EncryptedCookies, account.AvatarURL,
		account.FollowersCount, account.FollowingCount, account.LastLoginAt)
	saved, err := scanProviderAccount(row)
	metrics.ObserveNetworkRequest("postgres", "provider_account_upsert", "provider_accounts", start, err)
	if err != nil {
		return domain.ProviderAccount{}, err
	}
	return saved, nil
}

// GetProviderAccount реализует domain.ProviderAccountRepo.
func (p *Postgres) GetProviderAccount(id int64) (domain.ProviderAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+providerAccountColumns+` FROM provider_accounts WHERE id = $1`, id)
	acc, err := scanProviderAccount(row)
	metrics.ObserveNetworkRequest("postgres", "provider_account_get", "provider_accounts", start, err)
	if err != nil {
		return domain.ProviderAccount{}, mapNoRows(err)
	}
	return acc, nil
}

// ListProviderAccounts реализует domain.ProviderAccountRepo.
func (p *Postgres) ListProviderAccounts(userID int64) ([]domain.ProviderAccount, error) {
	return p.listProviderAccounts(`SELECT `+providerAccountColumns+` FROM provider_accounts WHERE user_id = $1 ORDER BY id`, userID)
}

// ListActiveProviderAccounts реализует domain.ProviderAccountRepo.
func (p *Postgres) ListActiveProviderAccounts() ([]domain.ProviderAccount, error) {
	return p.listProviderAccounts(`SELECT ` + providerAccountColumns + ` FROM provider_accounts WHERE is_active ORDER BY last_login_at DESC NULLS LAST`)
}

func (p *Postgres) listProviderAccounts(query string, args ...any) ([]domain.ProviderAccount, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "provider_account_list", "provider_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.ProviderAccount
	for rows.Next() {
		acc, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateProviderCookies реализует domain.ProviderAccountRepo.
func (p *Postgres) UpdateProviderCookies(id int64, cookies []byte, loginAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE provider_accounts SET encrypted_cookies = $2, last_login_at = $3, updated_at = now()
WHERE id = $1
`, id, cookies, loginAt)
	metrics.ObserveNetworkRequest("postgres", "provider_account_update_cookies", "provider_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetProviderAccountActive реализует domain.ProviderAccountRepo.
func (p *Postgres) SetProviderAccountActive(id int64, active bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE provider_accounts SET is_active = $2, updated_at = now() WHERE id = $1
`, id, active)
	metrics.ObserveNetworkRequest("postgres", "provider_account_set_active", "provider_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteProviderAccount реализует domain.ProviderAccountRepo.
func (p *Postgres) DeleteProviderAccount(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM provider_accounts WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "provider_account_delete", "provider_accounts", start, err)
	return err
}
