package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tweetkeeper/internal/domain"
)

func (s *Server) handleProcessMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid media id")
		return
	}
	if err := s.deps.MediaSvc.ProcessOne(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media_not_found", "media asset not found")
			return
		}
		s.log.Error().Err(err).Int64("media_asset_id", id).Msg("обработка вложения не удалась")
		writeError(w, http.StatusBadGateway, "download_failed", "media download failed")
		return
	}
	asset, err := s.deps.Media.GetMediaAsset(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toMediaAssetResponse(asset))
}

func (s *Server) handleProcessPending(w http.ResponseWriter, r *http.Request) {
	processed, err := s.deps.MediaSvc.ProcessPendingBatch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	processed, err := s.deps.MediaSvc.RetryFailedBatch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// handleMediaURL выдаёт временную ссылку на скачанный объект.
func (s *Server) handleMediaURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid media id")
		return
	}
	asset, err := s.deps.Media.GetMediaAsset(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media_not_found", "media asset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if asset.Status != domain.MediaStatusCompleted || asset.StoragePath == "" {
		writeError(w, http.StatusConflict, "media_not_ready", "media asset is not downloaded yet")
		return
	}
	url, err := s.deps.Storage.PresignedURL(r.Context(), asset.StoragePath, time.Hour)
	if err != nil {
		s.log.Error().Err(err).Int64("media_asset_id", id).Msg("не удалось выдать ссылку на объект")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build object url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in_seconds": 3600})
}
