package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
)

type InitiateUploadRequest struct {
	Filename   string `json:"filename" validate:"required,max=512"`
	TotalBytes int64  `json:"total_bytes" validate:"required,gt=0"`
	MimeType   string `json:"mime_type" validate:"omitempty,max=255"`
}

func initiateUploadHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		jobID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_job_id", "Invalid job ID format", http.StatusBadRequest))
			return
		}

		var req InitiateUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid JSON request body", http.StatusBadRequest))
			return
		}
		if err := validate.Struct(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		if cfg.MaxUploadSize > 0 && req.TotalBytes > cfg.MaxUploadSize {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(nil, "file_too_large", "File exceeds the maximum upload size", http.StatusRequestEntityTooLarge))
			return
		}

		mimeType := req.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		res, err := cfg.Coordinator.Initiate(r.Context(), jobID, userID, req.Filename, req.TotalBytes, mimeType)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":  res.SessionID.String(),
			"upload_id":   res.UploadID,
			"part_size":   res.PartSize,
			"total_parts": res.TotalParts,
			"part_urls":   res.SignedPartURLs,
		})
	}
}

func uploadStatusHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		s, j, err := cfg.Coordinator.SessionStatus(r.Context(), sessionID, userID)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":      s.ID.String(),
			"job_id":          s.JobID.String(),
			"status":          string(s.Status),
			"parts_completed": len(s.CompletedParts),
			"total_parts":     s.TotalParts,
			"bytes_uploaded":  s.BytesUploaded,
			"total_bytes":     s.TotalBytes,
			"job_status":      string(j.Status),
			"job_progress":    j.Progress,
			"created_at":      s.CreatedAt.Format(time.RFC3339),
		})
	}
}

type SignPartsRequest struct {
	StartPart int `json:"start_part" validate:"required,min=1"`
	EndPart   int `json:"end_part" validate:"required,min=1"`
}

// signPartsHandler re-signs a range of part URLs. Clients call it for
// parts past the initial batch and whenever earlier URLs expire; resumed
// uploads start here.
func signPartsHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		var req SignPartsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid JSON request body", http.StatusBadRequest))
			return
		}
		if err := validate.Struct(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		urls, err := cfg.Coordinator.SignParts(r.Context(), sessionID, userID, req.StartPart, req.EndPart)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"start_part": req.StartPart,
			"part_urls":  urls,
		})
	}
}

type ReportPartRequest struct {
	PartNumber int    `json:"part_number" validate:"required,min=1"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size" validate:"required,gt=0"`
}

func reportPartHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		var req ReportPartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid JSON request body", http.StatusBadRequest))
			return
		}
		if err := validate.Struct(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		res, err := cfg.Coordinator.ReportPart(r.Context(), sessionID, userID, req.PartNumber, req.ETag, req.Size)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"already_reported": res.AlreadyReported,
			"parts_completed":  res.PartsCompleted,
			"total_parts":      res.TotalParts,
		})
	}
}

func completeUploadHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		remoteKey, err := cfg.Coordinator.Complete(r.Context(), sessionID, userID)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "completed",
			"remote_key": remoteKey,
		})
	}
}

// abortUploadHandler tears the session down and marks the job failed at
// the upload stage. Aborting an already-gone session still returns 204.
func abortUploadHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		s, _, err := cfg.Coordinator.SessionStatus(r.Context(), sessionID, userID)
		var jobID *uuid.UUID
		if err == nil {
			id := s.JobID
			jobID = &id
		}

		if err := cfg.Coordinator.Abort(r.Context(), sessionID, userID); err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		if jobID != nil {
			// A user abort is terminal for the job, not just the session.
			// An ErrConflict here means the job already reached a terminal
			// status; anything else leaves it dangling and must be visible.
			err := cfg.Store.FailJob(r.Context(), *jobID, "upload aborted by user", "upload", nil)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				logger.FromContext(r.Context()).Error("failed to mark aborted job",
					"job_id", jobID.String(),
					"error", err,
				)
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func sessionRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_session_id", "Invalid session ID format", http.StatusBadRequest))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, sessionID, true
}
