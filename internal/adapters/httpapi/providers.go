package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/usecase/authflow"
)

type authenticateRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type challengeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type authenticateResponse struct {
	NeedsChallenge bool                     `json:"needs_challenge"`
	SessionID      string                   `json:"session_id,omitempty"`
	ChallengeKind  string                   `json:"challenge_kind,omitempty"`
	Prompt         string                   `json:"prompt,omitempty"`
	ExpiresAt      *time.Time               `json:"expires_at,omitempty"`
	Account        *providerAccountResponse `json:"account,omitempty"`
}

type providerAccountResponse struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"external_id"`
	Handle         string     `json:"handle"`
	DisplayName    string     `json:"display_name"`
	Email          string     `json:"email,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	FollowersCount int        `json:"followers_count"`
	FollowingCount int        `json:"following_count"`
	IsActive       bool       `json:"is_active"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toProviderAccountResponse(account domain.ProviderAccount) providerAccountResponse {
	return providerAccountResponse{
		ID:             account.ID,
		ExternalID:     account.ExternalID,
		Handle:         account.Handle,
		DisplayName:    account.DisplayName,
		Email:          account.Email,
		AvatarURL:      account.AvatarURL,
		FollowersCount: account.FollowersCount,
		FollowingCount: account.FollowingCount,
		IsActive:       account.IsActive,
		LastLoginAt:    account.LastLoginAt,
		CreatedAt:      account.CreatedAt,
	}
}

func (s *Server) handleAuthenticateInit(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Handle == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "handle and password are required")
		return
	}
	result, err := s.deps.Auth.AuthenticateInit(r.Context(), userIDFrom(r.Context()), req.Handle, req.Email, req.Password)
	if err != nil {
		s.log.Error().Err(err).Str("handle", req.Handle).Msg("аутентификация у провайдера не удалась")
		writeError(w, http.StatusBadGateway, "provider_error", "provider authentication failed")
		return
	}
	resp := authenticateResponse{NeedsChallenge: result.NeedsChallenge}
	if result.NeedsChallenge {
		resp.SessionID = result.SessionID
		resp.ChallengeKind = result.Kind
		resp.Prompt = result.Prompt
		resp.ExpiresAt = &result.ExpiresAt
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	account := toProviderAccountResponse(result.Account)
	resp.Account = &account
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthenticateChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.SessionID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id and code are required")
		return
	}
	account, err := s.deps.Auth.AuthenticateChallenge(r.Context(), req.SessionID, req.Code)
	if err != nil {
		if errors.Is(err, authflow.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "challenge session not found or expired")
			return
		}
		s.log.Error().Err(err).Msg("подтверждение входа не удалось")
		writeError(w, http.StatusBadGateway, "provider_error", "challenge verification failed")
		return
	}
	writeJSON(w, http.StatusOK, toProviderAccountResponse(account))
}

func (s *Server) handleListProviderAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Providers.ListProviderAccounts(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]providerAccountResponse, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, toProviderAccountResponse(account))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownProviderAccount возвращает аккаунт, только если он принадлежит
// текущему пользователю. Чужие аккаунты неотличимы от несуществующих.
func (s *Server) ownProviderAccount(r *http.Request) (domain.ProviderAccount, error) {
	id, ok := pathID(r)
	if !ok {
		return domain.ProviderAccount{}, domain.ErrNotFound
	}
	account, err := s.deps.Providers.GetProviderAccount(id)
	if err != nil {
		return domain.ProviderAccount{}, err
	}
	if account.UserID != userIDFrom(r.Context()) {
		return domain.ProviderAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func (s *Server) handleGetProviderAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownProviderAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "provider account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toProviderAccountResponse(account))
}

func (s *Server) handleRefreshProviderAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid account id")
		return
	}
	account, err := s.deps.Auth.RefreshAccount(r.Context(), userIDFrom(r.Context()), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "provider account not found")
			return
		}
		s.log.Error().Err(err).Int64("provider_account_id", id).Msg("обновление сессии провайдера не удалось")
		writeError(w, http.StatusBadGateway, "provider_error", "session refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, toProviderAccountResponse(account))
}

func (s *Server) handleDeleteProviderAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ownProviderAccount(r)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "provider account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := s.deps.Providers.DeleteProviderAccount(account.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
