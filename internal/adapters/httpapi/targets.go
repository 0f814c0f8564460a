package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/usecase/ingest"
)

type createTargetAccountRequest struct {
	Handle               string `json:"handle"`
	FetchIntervalMinutes int    `json:"fetch_interval_minutes"`
	MaxPostsPerFetch     int    `json:"max_posts_per_fetch"`
}

type updateTargetAccountRequest struct {
	FetchIntervalMinutes int  `json:"fetch_interval_minutes"`
	MaxPostsPerFetch     int  `json:"max_posts_per_fetch"`
	IsActive             bool `json:"is_active"`
}

type targetAccountResponse struct {
	ID             int64  `json:"id"`
	ExternalID     string `json:"external_id"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description,omitempty"`
	Location       string `json:"location,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	BannerURL      string `json:"banner_url,omitempty"`
	IsProtected    bool   `json:"is_protected"`
	IsVerified     bool   `json:"is_verified"`
	FollowersCount int    `json:"followers_count"`
	FollowingCount int    `json:"following_count"`
	PostsCount     int    `json:"posts_count"`

	FetchIntervalMinutes int  `json:"fetch_interval_minutes"`
	MaxPostsPerFetch     int  `json:"max_posts_per_fetch"`
	IsActive             bool `json:"is_active"`
	Scheduled            bool `json:"scheduled"`

	LastFetchedAt     *time.Time `json:"last_fetched_at,omitempty"`
	LastPostID        string     `json:"last_post_id,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) toTargetAccountResponse(account domain.TargetAccount) targetAccountResponse {
	return targetAccountResponse{
		ID:                   account.ID,
		ExternalID:           account.ExternalID,
		Handle:               account.Handle,
		DisplayName:          account.DisplayName,
		Description:          account.Description,
		Location:             account.Location,
		AvatarURL:            account.AvatarURL,
		BannerURL:            account.BannerURL,
		IsProtected:          account.IsProtected,
		IsVerified:           account.IsVerified,
		FollowersCount:       account.FollowersCount,
		FollowingCount:       account.FollowingCount,
		PostsCount:           account.PostsCount,
		FetchIntervalMinutes: account.FetchIntervalMinutes,
		MaxPostsPerFetch:     account.MaxPostsPerFetch,
		IsActive:             account.IsActive,
		Scheduled:            s.deps.Scheduler.Scheduled(account.ID),
		LastFetchedAt:        account.LastFetchedAt,
		LastPostID:           account.LastPostID,
		ConsecutiveErrors:    account.ConsecutiveErrors,
		LastError:            account.LastError,
		LastErrorAt:          account.LastErrorAt,
		CreatedAt:            account.CreatedAt,
	}
}

func (s *Server) handleCreateTargetAccount(w http.ResponseWriter, r *http.Request) {
	var req createTargetAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Handle == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "handle is required")
		return
	}
	account, err := s.deps.Ingest.ResolveTarget(r.Context(), userIDFrom(r.Context()), req.Handle, req.FetchIntervalMinutes, req.MaxPostsPerFetch)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidInterval), errors.Is(err, ingest.ErrInvalidMaxPosts):
			writeError(w, http.StatusBadRequest, "invalid_request", "fetch interval must be 5-1440 minutes, max posts 1-100")
		case errors.Is(err, ingest.ErrNoProviderAccount):
			writeError(w, http.StatusConflict, "no_provider_account", "no active provider account to resolve the handle")
		default:
			s.log.Error().Err(err).Str("handle", req.Handle).Msg("добавление отслеживаемого аккаунта не удалось")
			writeError(w, http.StatusBadGateway, "provider_error", "failed to resolve account profile")
		}
		return
	}
	s.deps.Scheduler.Schedule(account)
	writeJSON(w, http.StatusCreated, s.toTargetAccountResponse(account))
}

func (s *Server) handleListTargetAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	accounts, err := s.deps.Targets.ListTargetAccounts(userIDFrom(r.Context()), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]targetAccountResponse, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, s.toTargetAccountResponse(account))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ownTargetAccount(r *http.Request) (domain.TargetAccount, error) {
	id, ok := pathID(r)
	if !ok {
		return domain.TargetAccount{}, domain.ErrNotFound
	}
	account, err := s.deps.Targets.GetTargetAccount(id)
	if err != nil {
		return domain.TargetAccount{}, err
	}
	if account.UserID != userIDFrom(r.Context()) {
		return domain.TargetAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func (s *Server) handleGetTargetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownTargetAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "target account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.toTargetAccountResponse(account))
}

func (s *Server) handleUpdateTargetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownTargetAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "target account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	var req updateTargetAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.FetchIntervalMinutes == 0 {
		req.FetchIntervalMinutes = account.FetchIntervalMinutes
	}
	if req.MaxPostsPerFetch == 0 {
		req.MaxPostsPerFetch = account.MaxPostsPerFetch
	}
	if req.FetchIntervalMinutes < 5 || req.FetchIntervalMinutes > 1440 || req.MaxPostsPerFetch < 1 || req.MaxPostsPerFetch > 100 {
		writeError(w, http.StatusBadRequest, "invalid_request", "fetch interval must be 5-1440 minutes, max posts 1-100")
		return
	}
	updated, err := s.deps.Targets.UpdateTargetAccountSettings(account.ID, req.FetchIntervalMinutes, req.MaxPostsPerFetch, req.IsActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if updated.IsActive {
		s.deps.Scheduler.Reschedule(updated)
	} else {
		s.deps.Scheduler.Unschedule(updated.ID)
	}
	writeJSON(w, http.StatusOK, s.toTargetAccountResponse(updated))
}

func (s *Server) handleDeleteTargetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownTargetAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "target account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.deps.Scheduler.Unschedule(account.ID)
	if err := s.deps.Targets.DeleteTargetAccount(account.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleFetchNow запускает внеочередной сбор. Повторные запросы в течение
// минуты схлопываются через кэш.
func (s *Server) handleFetchNow(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownTargetAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "target account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var (
		saved int
		ran   bool
	)
	err = s.deps.Cache.Once(fmt.Sprintf("fetch:manual:%d", account.ID), time.Minute, func() error {
		ran = true
		var ferr error
		saved, ferr = s.deps.Ingest.FetchPosts(r.Context(), account.ID)
		return ferr
	})
	if err != nil {
		if errors.Is(err, ingest.ErrNoProviderAccount) {
			writeError(w, http.StatusConflict, "no_provider_account", "no active provider account")
			return
		}
		s.log.Error().Err(err).Int64("target_account_id", account.ID).Msg("внеочередной сбор не удался")
		writeError(w, http.StatusBadGateway, "fetch_failed", "fetch failed")
		return
	}
	if !ran {
		writeError(w, http.StatusTooManyRequests, "fetch_throttled", "fetch was triggered recently, try again later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "saved": saved})
}
