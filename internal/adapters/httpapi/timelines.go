package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tweetkeeper/internal/domain"
)

type timelineRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	AccountIDs  []int64 `json:"account_ids"`
}

type timelineResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AccountIDs  []int64   `json:"account_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTimelineResponse(timeline domain.Timeline) timelineResponse {
	return timelineResponse{
		ID:          timeline.ID,
		Name:        timeline.Name,
		Description: timeline.Description,
		AccountIDs:  timeline.AccountIDs,
		CreatedAt:   timeline.CreatedAt,
	}
}

func (s *Server) handleCreateTimeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	timeline, err := s.deps.Timelines.CreateTimeline(domain.Timeline{
		UserID:      userIDFrom(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		AccountIDs:  req.AccountIDs,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "timeline_exists", "timeline with this name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTimelineResponse(timeline))
}

func (s *Server) handleListTimelines(w http.ResponseWriter, r *http.Request) {
	timelines, err := s.deps.Timelines.ListTimelines(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]timelineResponse, 0, len(timelines))
	for _, timeline := range timelines {
		out = append(out, toTimelineResponse(timeline))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeline id")
		return
	}
	timeline, err := s.deps.Timelines.GetTimeline(userIDFrom(r.Context()), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline_not_found", "timeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTimelineResponse(timeline))
}

func (s *Server) handleUpdateTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeline id")
		return
	}
	var req timelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	timeline, err := s.deps.Timelines.UpdateTimeline(domain.Timeline{
		ID:          id,
		UserID:      userIDFrom(r.Context()),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline_not_found", "timeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTimelineResponse(timeline))
}

func (s *Server) handleSetTimelineAccounts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeline id")
		return
	}
	var req struct {
		AccountIDs []int64 `json:"account_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := s.deps.Timelines.SetTimelineAccounts(userIDFrom(r.Context()), id, req.AccountIDs); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline_not_found", "timeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeline id")
		return
	}
	if err := s.deps.Timelines.DeleteTimeline(userIDFrom(r.Context()), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline_not_found", "timeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListTimelinePosts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeline id")
		return
	}
	limit, offset := pagination(r, 50)
	posts, err := s.deps.Posts.ListTimelinePosts(userIDFrom(r.Context()), id, limit, offset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "timeline_not_found", "timeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		out = append(out, toPostResponse(post))
	}
	writeJSON(w, http.StatusOK, out)
}
