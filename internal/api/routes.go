package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/health"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/lease"
	"github.com/fairenow/flmlnk-admin-sub001/internal/storage"
	"github.com/fairenow/flmlnk-admin-sub001/internal/upload"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the slice of the persistence layer the handlers use directly;
// the upload coordinator and lease manager carry their own narrower views.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID uuid.UUID, status *job.Status, limit, offset int) ([]job.Job, error)
	ListAssetsByJob(ctx context.Context, jobID uuid.UUID) ([]job.ResultAsset, error)
	FailJob(ctx context.Context, id uuid.UUID, message, stage string, lockID *string) error
}

// Dispatcher notifies the worker pool that a job is ready for claiming.
type Dispatcher interface {
	Dispatch(jobID uuid.UUID)
}

type Config struct {
	Store        Store
	Objects      storage.ObjectStore
	Coordinator  *upload.Coordinator
	Leases       *lease.Manager
	Dispatcher   Dispatcher
	Pool         *pgxpool.Pool
	JWTSecret    string
	SharedSecret string
	BaseURL      string

	// MaxUploadSize bounds the total_bytes a client may declare.
	MaxUploadSize int64

	// PlaybackURLExpiry is how long presigned playback links stay valid.
	PlaybackURLExpiry time.Duration
}

var validate = validator.New()

func NewRouter(cfg *Config) http.Handler {
	mux := http.NewServeMux()

	healthChecker := health.NewChecker(cfg.Pool).WithStorage(cfg.Objects)
	mux.HandleFunc("GET /health", health.HealthHandler(healthChecker))
	mux.HandleFunc("GET /health/live", health.LivenessHandler())
	mux.HandleFunc("GET /health/ready", health.ReadinessHandler(healthChecker))

	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /v1/jobs", createJobHandler(cfg))
	apiMux.HandleFunc("GET /v1/jobs", listJobsHandler(cfg))
	apiMux.HandleFunc("GET /v1/jobs/{id}", getJobHandler(cfg))
	apiMux.HandleFunc("GET /v1/jobs/{id}/assets", listJobAssetsHandler(cfg))
	apiMux.HandleFunc("GET /v1/jobs/{id}/playback", playbackURLHandler(cfg))

	apiMux.HandleFunc("POST /v1/jobs/{id}/upload", initiateUploadHandler(cfg))
	apiMux.HandleFunc("GET /v1/uploads/{sessionId}", uploadStatusHandler(cfg))
	apiMux.HandleFunc("POST /v1/uploads/{sessionId}/sign", signPartsHandler(cfg))
	apiMux.HandleFunc("POST /v1/uploads/{sessionId}/parts", reportPartHandler(cfg))
	apiMux.HandleFunc("POST /v1/uploads/{sessionId}/complete", completeUploadHandler(cfg))
	apiMux.HandleFunc("DELETE /v1/uploads/{sessionId}", abortUploadHandler(cfg))

	mux.Handle("/v1/", AuthMiddleware(cfg.JWTSecret)(apiMux))

	// Worker pool callbacks authenticate with the shared secret inside
	// the payload, not a JWT; workers never hold user credentials.
	workerMux := http.NewServeMux()
	workerMux.HandleFunc("POST /webhooks/worker/claim", claimJobHandler(cfg))
	workerMux.HandleFunc("POST /webhooks/worker/progress", workerProgressHandler(cfg))
	workerMux.HandleFunc("POST /webhooks/worker/complete", completeProcessingHandler(cfg))
	workerMux.HandleFunc("POST /webhooks/worker/fail", failProcessingHandler(cfg))
	mux.Handle("/webhooks/worker/", workerMux)

	return RequestIDMiddleware(LoggingMiddleware(mux))
}
