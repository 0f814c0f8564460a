package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tweetkeeper/internal/domain"
)

type postResponse struct {
	ID              int64  `json:"id"`
	ExternalID      string `json:"external_id"`
	TargetAccountID int64  `json:"target_account_id"`

	AuthorHandle      string `json:"author_handle"`
	AuthorDisplayName string `json:"author_display_name"`
	AuthorAvatarURL   string `json:"author_avatar_url,omitempty"`

	Content  string `json:"content"`
	FullText string `json:"full_text,omitempty"`
	Lang     string `json:"lang,omitempty"`

	LikesCount   int `json:"likes_count"`
	RepostsCount int `json:"reposts_count"`
	RepliesCount int `json:"replies_count"`
	QuotesCount  int `json:"quotes_count"`
	ViewsCount   int `json:"views_count"`

	IsRepost bool `json:"is_repost"`
	IsQuote  bool `json:"is_quote"`
	IsReply  bool `json:"is_reply"`

	RepostedPostID string `json:"reposted_post_id,omitempty"`
	QuotedPostID   string `json:"quoted_post_id,omitempty"`
	ReplyToPostID  string `json:"reply_to_post_id,omitempty"`
	ReplyToHandle  string `json:"reply_to_handle,omitempty"`

	Hashtags []string `json:"hashtags,omitempty"`
	URLs     []string `json:"urls,omitempty"`
	Mentions []string `json:"mentions,omitempty"`

	HasMedia bool                 `json:"has_media"`
	Media    []mediaAssetResponse `json:"media,omitempty"`

	PostedAt time.Time `json:"posted_at"`
}

type mediaAssetResponse struct {
	ID         int64  `json:"id"`
	MediaKey   string `json:"media_key"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	PreviewURL string `json:"preview_url,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
	AltText    string `json:"alt_text,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
}

func toPostResponse(post domain.Post) postResponse {
	return postResponse{
		ID:                post.ID,
		ExternalID:        post.ExternalID,
		TargetAccountID:   post.TargetAccountID,
		AuthorHandle:      post.AuthorHandle,
		AuthorDisplayName: post.AuthorDisplayName,
		AuthorAvatarURL:   post.AuthorAvatarURL,
		Content:           post.Content,
		FullText:          post.FullText,
		Lang:              post.Lang,
		LikesCount:        post.LikesCount,
		RepostsCount:      post.RepostsCount,
		RepliesCount:      post.RepliesCount,
		QuotesCount:       post.QuotesCount,
		ViewsCount:        post.ViewsCount,
		IsRepost:          post.IsRepost,
		IsQuote:           post.IsQuote,
		IsReply:           post.IsReply,
		RepostedPostID:    post.RepostedPostID,
		QuotedPostID:      post.QuotedPostID,
		ReplyToPostID:     post.ReplyToPostID,
		ReplyToHandle:     post.ReplyToHandle,
		Hashtags:          post.Hashtags,
		URLs:              post.URLs,
		Mentions:          post.Mentions,
		HasMedia:          post.HasMedia,
		PostedAt:          post.PostedAt,
	}
}

func toMediaAssetResponse(asset domain.MediaAsset) mediaAssetResponse {
	return mediaAssetResponse{
		ID:         asset.ID,
		MediaKey:   asset.MediaKey,
		Type:       asset.Type,
		URL:        asset.URL,
		PreviewURL: asset.PreviewURL,
		Width:      asset.Width,
		Height:     asset.Height,
		DurationMS: asset.DurationMS,
		AltText:    asset.AltText,
		Status:     asset.Status,
		Attempts:   asset.Attempts,
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	filter := domain.PostFilter{
		OnlyUnread:    r.URL.Query().Get("unread") == "true",
		OnlyWithMedia: r.URL.Query().Get("with_media") == "true",
		Limit:         limit,
		Offset:        offset,
	}
	if raw := r.URL.Query().Get("target_account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid target_account_id")
			return
		}
		filter.TargetAccountID = id
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before must be RFC3339")
			return
		}
		filter.Before = &before
	}

	posts, err := s.deps.Posts.ListPosts(userIDFrom(r.Context()), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		out = append(out, toPostResponse(post))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid post id")
		return
	}
	post, err := s.deps.Posts.GetPost(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post_not_found", "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	resp := toPostResponse(post)
	if post.HasMedia {
		assets, err := s.deps.Media.ListMediaByPost(post.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		for _, asset := range assets {
			resp.Media = append(resp.Media, toMediaAssetResponse(asset))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid post id")
		return
	}
	if err := s.deps.Posts.MarkRead(userIDFrom(r.Context()), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post_not_found", "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid post id")
		return
	}
	if err := s.deps.Posts.SetBookmarked(userIDFrom(r.Context()), id, true); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post_not_found", "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	// Закладка поднимает приоритет загрузки вложений, но ответ её не ждёт.
	go s.enqueuePostMedia(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnbookmark(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid post id")
		return
	}
	if err := s.deps.Posts.SetBookmarked(userIDFrom(r.Context()), id, false); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBookmarked(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	posts, err := s.deps.Posts.ListBookmarkedPosts(userIDFrom(r.Context()), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		out = append(out, toPostResponse(post))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) enqueuePostMedia(postID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assets, err := s.deps.Media.ListMediaByPost(postID)
	if err != nil {
		s.log.Error().Err(err).Int64("post_id", postID).Msg("не удалось получить вложения поста")
		return
	}
	for _, asset := range assets {
		if asset.Status == domain.MediaStatusCompleted {
			continue
		}
		job := domain.MediaJob{
			ID:           uuid.NewString(),
			MediaAssetID: asset.ID,
			Cause:        domain.MediaCauseBookmark,
			RequestedAt:  time.Now(),
		}
		if err := s.deps.Queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Int64("media_asset_id", asset.ID).Msg("не удалось поставить задачу загрузки")
		}
	}
}
