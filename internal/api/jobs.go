package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/google/uuid"
)

type CreateJobRequest struct {
	Family    string          `json:"family" validate:"required,oneof=ingest clip meme gif trailer"`
	SourceURL string          `json:"source_url" validate:"omitempty,url"`
	Params    json.RawMessage `json:"params"`
}

// createJobHandler creates a job in PENDING. An ingest job then waits for
// its browser upload; every other family, and an ingest fed by a URL, is
// ready immediately and gets dispatched to the worker pool right away.
func createJobHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		userID, ok := GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		var req CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid JSON request body", http.StatusBadRequest))
			return
		}
		if err := validate.Struct(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		j := &job.Job{
			ID:      uuid.New(),
			OwnerID: userID,
			Family:  job.Family(req.Family),
			Params:  req.Params,
			Status:  job.StatusPending,
		}
		if req.SourceURL != "" {
			j.SourceURL = &req.SourceURL
		}

		if err := cfg.Store.CreateJob(r.Context(), j); err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		log.Info("job created",
			"job_id", j.ID.String(),
			"family", req.Family,
			"user_id", userID.String(),
		)

		// Jobs that do not wait on a browser upload are claimable now.
		if j.Family != job.FamilyIngest || j.SourceURL != nil {
			cfg.Dispatcher.Dispatch(j.ID)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(jobToJSON(j))
	}
}

func listJobsHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		limit := 20
		offset := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			l, err := strconv.Atoi(s)
			if err != nil || l < 0 || l > 100 {
				apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid limit", http.StatusBadRequest))
				return
			}
			limit = l
		}
		if s := r.URL.Query().Get("offset"); s != "" {
			o, err := strconv.Atoi(s)
			if err != nil || o < 0 {
				apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", "Invalid offset", http.StatusBadRequest))
				return
			}
			offset = o
		}

		var statusFilter *job.Status
		if s := r.URL.Query().Get("status"); s != "" {
			st := job.Status(s)
			statusFilter = &st
		}

		jobs, err := cfg.Store.ListJobsByOwner(r.Context(), userID, statusFilter, limit, offset)
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		list := make([]map[string]any, len(jobs))
		for i := range jobs {
			list[i] = jobToJSON(&jobs[i])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs":     list,
			"has_more": len(jobs) == limit,
		})
	}
}

func getJobHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJobFromPath(w, r, cfg)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jobToJSON(j))
	}
}

func listJobAssetsHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJobFromPath(w, r, cfg)
		if !ok {
			return
		}

		assets, err := cfg.Store.ListAssetsByJob(r.Context(), j.ID)
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		list := make([]map[string]any, len(assets))
		for i := range assets {
			list[i] = assetToJSON(&assets[i], cfg, r)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"assets": list})
	}
}

// playbackURLHandler presigns a short-lived GET link to the job's source
// video, once one exists.
func playbackURLHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJobFromPath(w, r, cfg)
		if !ok {
			return
		}

		if j.RemoteKey == nil || *j.RemoteKey == "" {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(nil, "no_source", "Job has no uploaded source yet", http.StatusConflict))
			return
		}

		expiry := cfg.PlaybackURLExpiry
		if expiry <= 0 {
			expiry = time.Hour
		}

		url, err := cfg.Objects.PresignGetURL(r.Context(), *j.RemoteKey, expiry)
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":        url,
			"expires_in": int(expiry.Seconds()),
		})
	}
}

// ownedJobFromPath loads the {id} job and enforces ownership. Jobs owned
// by someone else read as not found, never as forbidden.
func ownedJobFromPath(w http.ResponseWriter, r *http.Request, cfg *Config) (*job.Job, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return nil, false
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_job_id", "Invalid job ID format", http.StatusBadRequest))
		return nil, false
	}

	j, err := cfg.Store.GetJob(r.Context(), jobID)
	if err != nil {
		apperror.WriteJSON(w, r, apperror.ErrJobNotFound)
		return nil, false
	}
	if j.OwnerID != userID {
		apperror.WriteJSON(w, r, apperror.ErrJobNotFound)
		return nil, false
	}
	return j, true
}

func jobToJSON(j *job.Job) map[string]any {
	out := map[string]any{
		"id":           j.ID.String(),
		"family":       string(j.Family),
		"status":       string(j.Status),
		"progress":     j.Progress,
		"current_step": j.CurrentStep,
		"created_at":   j.CreatedAt.Format(time.RFC3339),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339),
	}
	if j.SourceURL != nil {
		out["source_url"] = *j.SourceURL
	}
	if j.ErrorMessage != nil {
		out["error_message"] = *j.ErrorMessage
	}
	if j.ErrorStage != nil {
		out["error_stage"] = *j.ErrorStage
	}
	if j.CompletedAt != nil {
		out["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func assetToJSON(a *job.ResultAsset, cfg *Config, r *http.Request) map[string]any {
	out := map[string]any{
		"id":         a.ID.String(),
		"kind":       string(a.Kind),
		"title":      a.Title,
		"created_at": a.CreatedAt.Format(time.RFC3339),
	}
	if a.DurationMs != nil {
		out["duration_ms"] = *a.DurationMs
	}
	if a.Width != nil {
		out["width"] = *a.Width
	}
	if a.Height != nil {
		out["height"] = *a.Height
	}
	if len(a.Metadata) > 0 {
		out["metadata"] = a.Metadata
	}

	expiry := cfg.PlaybackURLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	if url, err := cfg.Objects.PresignGetURL(r.Context(), a.RemoteKey, expiry); err == nil {
		out["url"] = url
	}
	return out
}
