package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

const postColumns = `id, external_id, target_account_id, author_handle, author_display_name, author_avatar_url,
content, full_text, lang, likes_count, reposts_count, replies_count, quotes_count, views_count, bookmarks_count,
is_repost, is_quote, is_reply, is_quoted_original, reposted_post_id, quoted_post_id, reply_to_post_id,
reply_to_handle, conversation_id, hashtags, urls, mentions, has_media, posted_at, created_at`

func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		post     domain.Post
		hashtags []byte
		urls     []byte
		mentions []byte
	)
	err := row.Scan(&post.ID, &post.ExternalID, &post.TargetAccountID, &post.AuthorHandle, &post.AuthorDisplayName, &post.AuthorAvatarURL,
		&post.Content, &post.FullText, &post.Lang, &post.LikesCount, &post.RepostsCount, &post.RepliesCount, &post.QuotesCount, &post.ViewsCount, &post.BookmarksCount,
		&post.IsRepost, &post.IsQuote, &post.IsReply, &post.IsQuotedOriginal, &post.RepostedPostID, &post.QuotedPostID, &post.ReplyToPostID,
		&post.ReplyToHandle, &post.ConversationID, &hashtags, &urls, &mentions, &post.HasMedia, &post.PostedAt, &post.CreatedAt)
	if err != nil {
		return domain.Post{}, err
	}
	if err := json.Unmarshal(hashtags, &post.Hashtags); err != nil {
		return domain.Post{}, fmt.Errorf("декодирование hashtags: %w", err)
	}
	if err := json.Unmarshal(urls, &post.URLs); err != nil {
		return domain.Post{}, fmt.Errorf("декодирование urls: %w", err)
	}
	if err := json.Unmarshal(mentions, &post.Mentions); err != nil {
		return domain.Post{}, fmt.Errorf("декодирование mentions: %w", err)
	}
	return post, nil
}

// CreatePost реализует domain.PostRepo. Дедупликация идёт исключительно по
// внешнему идентификатору: при конфликте возвращается существующая строка
// и created=false.
func (p *Postgres) CreatePost(post domain.Post) (domain.Post, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	hashtags, err := marshalStrings(post.Hashtags)
	if err != nil {
		return domain.Post{}, false, err
	}
	urls, err := marshalStrings(post.URLs)
	if err != nil {
		return domain.Post{}, false, err
	}
	mentions, err := marshalStrings(post.Mentions)
	if err != nil {
		return domain.Post{}, false, err
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO posts (external_id, target_account_id, author_handle, author_display_name, author_avatar_url,
	content, full_text, lang, likes_count, reposts_count, replies_count, quotes_count, views_count, bookmarks_count,
	is_repost, is_quote, is_reply, is_quoted_original, reposted_post_id, quoted_post_id, reply_to_post_id,
	reply_to_handle, conversation_id, hashtags, urls, mentions, has_media, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
ON CONFLICT (external_id) DO NOTHING
RETURNING `+postColumns,
		post.ExternalID, post.TargetAccountID, post.AuthorHandle, post.AuthorDisplayName, post.AuthorAvatarURL,
		post.Content, post.FullText, post.Lang, post.LikesCount, post.RepostsCount, post.RepliesCount, post.QuotesCount, post.ViewsCount, post.BookmarksCount,
		post.IsRepost, post.IsQuote, post.IsReply, post.IsQuotedOriginal, post.RepostedPostID, post.QuotedPostID, post.ReplyToPostID,
		post.ReplyToHandle, post.ConversationID, hashtags, urls, mentions, post.HasMedia, post.PostedAt)
	saved, err := scanPost(row)
	metrics.ObserveNetworkRequest("postgres", "post_insert", "posts", start, err)
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, false, err
	}

	existing, err := p.GetPostByExternalID(post.ExternalID)
	if err != nil {
		return domain.Post{}, false, err
	}
	return existing, false, nil
}

// GetPost реализует domain.PostRepo.
func (p *Postgres) GetPost(id int64) (domain.Post, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	metrics.ObserveNetworkRequest("postgres", "post_get", "posts", start, err)
	if err != nil {
		return domain.Post{}, mapNoRows(err)
	}
	return post, nil
}

// GetPostByExternalID реализует domain.PostRepo.
func (p *Postgres) GetPostByExternalID(externalID string) (domain.Post, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE external_id = $1`, externalID)
	post, err := scanPost(row)
	metrics.ObserveNetworkRequest("postgres", "post_get_by_external_id", "posts", start, err)
	if err != nil {
		return domain.Post{}, mapNoRows(err)
	}
	return post, nil
}

// ListPosts реализует domain.PostRepo.
func (p *Postgres) ListPosts(userID int64, filter domain.PostFilter) ([]domain.Post, error) {
	var (
		conditions = []string{"NOT p.is_quoted_original"}
		args       []any
	)
	addArg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TargetAccountID > 0 {
		conditions = append(conditions, "p.target_account_id = "+addArg(filter.TargetAccountID))
	} else {
		conditions = append(conditions, "ta.user_id = "+addArg(userID))
	}
	if filter.OnlyUnread {
		conditions = append(conditions, "rp.post_id IS NULL")
	}
	if filter.OnlyWithMedia {
		conditions = append(conditions, "p.has_media")
	}
	if filter.Before != nil {
		conditions = append(conditions, "p.posted_at < "+addArg(*filter.Before))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
SELECT ` + prefixColumns(postColumns, "p.") + `
FROM posts p
JOIN target_accounts ta ON ta.id = p.target_account_id
LEFT JOIN read_posts rp ON rp.post_id = p.id AND rp.user_id = ` + addArg(userID) + `
WHERE ` + strings.Join(conditions, " AND ") + `
ORDER BY p.posted_at DESC
LIMIT ` + addArg(limit) + ` OFFSET ` + addArg(filter.Offset)

	return p.listPosts("post_list", query, args...)
}

// ListTimelinePosts реализует domain.PostRepo.
func (p *Postgres) ListTimelinePosts(userID, timelineID int64, limit, offset int) ([]domain.Post, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
SELECT ` + prefixColumns(postColumns, "p.") + `
FROM posts p
JOIN timeline_accounts tla ON tla.target_account_id = p.target_account_id
JOIN timelines t ON t.id = tla.timeline_id
WHERE t.id = $1 AND t.user_id = $2 AND NOT p.is_quoted_original
ORDER BY p.posted_at DESC
LIMIT $3 OFFSET $4`
	return p.listPosts("post_list_timeline", query, timelineID, userID, limit, offset)
}

// ListBookmarkedPosts реализует domain.PostRepo.
func (p *Postgres) ListBookmarkedPosts(userID int64, limit, offset int) ([]domain.Post, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
SELECT ` + prefixColumns(postColumns, "p.") + `
FROM posts p
JOIN bookmarked_posts bp ON bp.post_id = p.id
WHERE bp.user_id = $1
ORDER BY bp.bookmarked_at DESC
LIMIT $2 OFFSET $3`
	return p.listPosts("post_list_bookmarked", query, userID, limit, offset)
}

func (p *Postgres) listPosts(operation, query string, args ...any) ([]domain.Post, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// MarkRead реализует domain.PostRepo.
func (p *Postgres) MarkRead(userID, postID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO read_posts (user_id, post_id) VALUES ($1, $2)
ON CONFLICT (user_id, post_id) DO NOTHING
`, userID, postID)
	metrics.ObserveNetworkRequest("postgres", "post_mark_read", "read_posts", start, err)
	return err
}

// SetBookmarked реализует domain.PostRepo.
func (p *Postgres) SetBookmarked(userID, postID int64, bookmarked bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var err error
	if bookmarked {
		_, err = p.pool.Exec(ctx, `
INSERT INTO bookmarked_posts (user_id, post_id) VALUES ($1, $2)
ON CONFLICT (user_id, post_id) DO NOTHING
`, userID, postID)
	} else {
		_, err = p.pool.Exec(ctx, `DELETE FROM bookmarked_posts WHERE user_id = $1 AND post_id = $2`, userID, postID)
	}
	metrics.ObserveNetworkRequest("postgres", "post_set_bookmarked", "bookmarked_posts", start, err)
	return err
}

func prefixColumns(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
