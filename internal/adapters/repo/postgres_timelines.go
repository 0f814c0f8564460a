package repo

import (
	"time"

	"github.com/jackc/pgx/v5"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// CreateTimeline реализует domain.TimelineRepo.
func (p *Postgres) CreateTimeline(timeline domain.Timeline) (domain.Timeline, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var saved domain.Timeline
	err := p.pool.QueryRow(ctx, `
INSERT INTO timelines (user_id, name, description)
VALUES ($1, $2, $3)
RETURNING id, user_id, name, description, created_at, updated_at
`, timeline.UserID, timeline.Name, timeline.Description).
		Scan(&saved.ID, &saved.UserID, &saved.Name, &saved.Description, &saved.CreatedAt, &saved.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "timeline_insert", "timelines", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Timeline{}, domain.ErrAlreadyExists
		}
		return domain.Timeline{}, err
	}
	if err := p.SetTimelineAccounts(saved.UserID, saved.ID, timeline.AccountIDs); err != nil {
		return domain.Timeline{}, err
	}
	saved.AccountIDs = timeline.AccountIDs
	return saved, nil
}

// GetTimeline реализует domain.TimelineRepo.
func (p *Postgres) GetTimeline(userID, id int64) (domain.Timeline, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var timeline domain.Timeline
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, name, description, created_at, updated_at
FROM timelines WHERE id = $1 AND user_id = $2
`, id, userID).Scan(&timeline.ID, &timeline.UserID, &timeline.Name, &timeline.Description, &timeline.CreatedAt, &timeline.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "timeline_get", "timelines", start, err)
	if err != nil {
		return domain.Timeline{}, mapNoRows(err)
	}
	accountIDs, err := p.listTimelineAccountIDs(timeline.ID)
	if err != nil {
		return domain.Timeline{}, err
	}
	timeline.AccountIDs = accountIDs
	return timeline, nil
}

// ListTimelines реализует domain.TimelineRepo.
func (p *Postgres) ListTimelines(userID int64) ([]domain.Timeline, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, name, description, created_at, updated_at
FROM timelines WHERE user_id = $1 ORDER BY id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "timeline_list", "timelines", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timelines []domain.Timeline
	for rows.Next() {
		var timeline domain.Timeline
		if err := rows.Scan(&timeline.ID, &timeline.UserID, &timeline.Name, &timeline.Description, &timeline.CreatedAt, &timeline.UpdatedAt); err != nil {
			return nil, err
		}
		timelines = append(timelines, timeline)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range timelines {
		accountIDs, err := p.listTimelineAccountIDs(timelines[i].ID)
		if err != nil {
			return nil, err
		}
		timelines[i].AccountIDs = accountIDs
	}
	return timelines, nil
}

// UpdateTimeline реализует domain.TimelineRepo.
func (p *Postgres) UpdateTimeline(timeline domain.Timeline) (domain.Timeline, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var saved domain.Timeline
	err := p.pool.QueryRow(ctx, `
UPDATE timelines SET name = $3, description = $4, updated_at = now()
WHERE id = $1 AND user_id = $2
RETURNING id, user_id, name, description, created_at, updated_at
`, timeline.ID, timeline.UserID, timeline.Name, timeline.Description).
		Scan(&saved.ID, &saved.UserID, &saved.Name, &saved.Description, &saved.CreatedAt, &saved.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "timeline_update", "timelines", start, err)
	if err != nil {
		return domain.Timeline{}, mapNoRows(err)
	}
	if timeline.AccountIDs != nil {
		if err := p.SetTimelineAccounts(saved.UserID, saved.ID, timeline.AccountIDs); err != nil {
			return domain.Timeline{}, err
		}
	}
	accountIDs, err := p.listTimelineAccountIDs(saved.ID)
	if err != nil {
		return domain.Timeline{}, err
	}
	saved.AccountIDs = accountIDs
	return saved, nil
}

// SetTimelineAccounts реализует domain.TimelineRepo. Состав ленты заменяется
// целиком в одной транзакции.
func (p *Postgres) SetTimelineAccounts(userID, timelineID int64, accountIDs []int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "timeline_accounts", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var owner int64
	if err := tx.QueryRow(ctx, `SELECT user_id FROM timelines WHERE id = $1`, timelineID).Scan(&owner); err != nil {
		return mapNoRows(err)
	}
	if owner != userID {
		return domain.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM timeline_accounts WHERE timeline_id = $1`, timelineID); err != nil {
		return err
	}
	for _, accountID := range accountIDs {
		if _, err := tx.Exec(ctx, `
INSERT INTO timeline_accounts (timeline_id, target_account_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, timelineID, accountID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeleteTimeline реализует domain.TimelineRepo.
func (p *Postgres) DeleteTimeline(userID, id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM timelines WHERE id = $1 AND user_id = $2`, id, userID)
	metrics.ObserveNetworkRequest("postgres", "timeline_delete", "timelines", start, err)
	return err
}

func (p *Postgres) listTimelineAccountIDs(timelineID int64) ([]int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT target_account_id FROM timeline_accounts WHERE timeline_id = $1 ORDER BY target_account_id
`, timelineID)
	metrics.ObserveNetworkRequest("postgres", "timeline_account_list", "timeline_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
