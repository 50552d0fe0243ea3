package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/metrics"
	"github.com/google/uuid"
)

// workerAuth is embedded in every worker payload. Workers identify a unit
// of work by job id plus their own lock id and prove themselves with the
// pool-wide shared secret; there are no per-worker credentials.
type workerAuth struct {
	JobID        string `json:"job_id" validate:"required,uuid"`
	LockID       string `json:"lock_id" validate:"required,max=128"`
	SharedSecret string `json:"shared_secret" validate:"required"`
}

// authorize checks the shared secret in constant time. Failures get one
// generic response: a probing caller learns nothing about which field was
// wrong or whether the job exists.
func (cfg *Config) authorize(w http.ResponseWriter, r *http.Request, route string, auth workerAuth) (uuid.UUID, bool) {
	if err := validate.Struct(&auth); err != nil {
		metrics.RecordWorkerWebhook(route, "unauthorized")
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return uuid.Nil, false
	}
	if subtle.ConstantTimeCompare([]byte(auth.SharedSecret), []byte(cfg.SharedSecret)) != 1 {
		metrics.RecordWorkerWebhook(route, "unauthorized")
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return uuid.Nil, false
	}

	jobID, err := uuid.Parse(auth.JobID)
	if err != nil {
		metrics.RecordWorkerWebhook(route, "unauthorized")
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return uuid.Nil, false
	}
	return jobID, true
}

type ClaimJobRequest struct {
	workerAuth
}

// claimJobHandler hands the lease on a job to the calling worker. The
// response carries everything the worker needs to start: source location,
// family, and the job's parameters.
func claimJobHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClaimJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.RecordWorkerWebhook("claim", "unauthorized")
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		jobID, ok := cfg.authorize(w, r, "claim", req.workerAuth)
		if !ok {
			return
		}

		j, err := cfg.Leases.Claim(r.Context(), jobID, req.LockID)
		if err != nil {
			metrics.RecordWorkerWebhook("claim", apperror.Code(err))
			apperror.WriteJSON(w, r, err)
			return
		}
		metrics.RecordWorkerWebhook("claim", "ok")

		ctx := logger.WithJob(r.Context(), jobID.String(), string(j.Family))
		logger.FromContext(ctx).Info("worker claimed job", "lock_id", req.LockID)

		resp := map[string]any{
			"job_id":  j.ID.String(),
			"family":  string(j.Family),
			"lock_id": req.LockID,
		}
		if j.RemoteKey != nil {
			resp["remote_key"] = *j.RemoteKey
		}
		if j.SourceURL != nil {
			resp["source_url"] = *j.SourceURL
		}
		if len(j.Params) > 0 {
			resp["params"] = j.Params
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type WorkerProgressRequest struct {
	workerAuth
	Progress int    `json:"progress" validate:"min=0,max=100"`
	Step     string `json:"step" validate:"max=255"`
}

func workerProgressHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WorkerProgressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.RecordWorkerWebhook("progress", "unauthorized")
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		jobID, ok := cfg.authorize(w, r, "progress", req.workerAuth)
		if !ok {
			return
		}

		if err := validate.Struct(&req); err != nil {
			metrics.RecordWorkerWebhook("progress", "invalid")
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		j, err := cfg.Leases.UpdateProgress(r.Context(), jobID, req.LockID, req.Progress, req.Step)
		if err != nil {
			metrics.RecordWorkerWebhook("progress", apperror.Code(err))
			apperror.WriteJSON(w, r, err)
			return
		}
		metrics.RecordWorkerWebhook("progress", "ok")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   string(j.Status),
			"progress": j.Progress,
		})
	}
}

type WorkerAssetPayload struct {
	Kind       string          `json:"kind" validate:"required,oneof=clip meme gif frame trailer"`
	RemoteKey  string          `json:"remote_key" validate:"required,max=1024"`
	Title      string          `json:"title" validate:"max=512"`
	DurationMs *int            `json:"duration_ms" validate:"omitempty,min=0"`
	Width      *int            `json:"width" validate:"omitempty,min=0"`
	Height     *int            `json:"height" validate:"omitempty,min=0"`
	Metadata   json.RawMessage `json:"metadata"`
}

type CompleteProcessingRequest struct {
	workerAuth
	Assets []WorkerAssetPayload `json:"assets" validate:"dive"`
}

// completeProcessingHandler records the worker's results and flips the job
// to COMPLETED in one atomic store operation.
func completeProcessingHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var req CompleteProcessingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.RecordWorkerWebhook("complete", "unauthorized")
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		jobID, ok := cfg.authorize(w, r, "complete", req.workerAuth)
		if !ok {
			return
		}

		if err := validate.Struct(&req); err != nil {
			metrics.RecordWorkerWebhook("complete", "invalid")
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		assets := make([]job.ResultAsset, len(req.Assets))
		for i, a := range req.Assets {
			assets[i] = job.ResultAsset{
				ID:         uuid.New(),
				JobID:      jobID,
				Kind:       job.AssetKind(a.Kind),
				RemoteKey:  a.RemoteKey,
				Title:      a.Title,
				DurationMs: a.DurationMs,
				Width:      a.Width,
				Height:     a.Height,
				Metadata:   a.Metadata,
			}
		}

		if err := cfg.Leases.Complete(r.Context(), jobID, req.LockID, assets); err != nil {
			metrics.RecordWorkerWebhook("complete", apperror.Code(err))
			apperror.WriteJSON(w, r, err)
			return
		}
		metrics.RecordWorkerWebhook("complete", "ok")

		log.Info("processing completed", "job_id", jobID.String(), "assets", len(assets))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "COMPLETED",
			"assets": len(assets),
		})
	}
}

type FailProcessingRequest struct {
	workerAuth
	Error string `json:"error" validate:"required,max=2048"`
	Stage string `json:"stage" validate:"max=255"`
}

func failProcessingHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FailProcessingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.RecordWorkerWebhook("fail", "unauthorized")
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		jobID, ok := cfg.authorize(w, r, "fail", req.workerAuth)
		if !ok {
			return
		}

		if err := validate.Struct(&req); err != nil {
			metrics.RecordWorkerWebhook("fail", "invalid")
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		stage := req.Stage
		if stage == "" {
			stage = "processing"
		}

		if err := cfg.Leases.Fail(r.Context(), jobID, req.LockID, req.Error, stage); err != nil {
			metrics.RecordWorkerWebhook("fail", apperror.Code(err))
			apperror.WriteJSON(w, r, err)
			return
		}
		metrics.RecordWorkerWebhook("fail", "ok")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "FAILED"})
	}
}
