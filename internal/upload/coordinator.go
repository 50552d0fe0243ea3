// Package upload drives the browser-facing multipart upload protocol:
// create the remote upload, hand out presigned part URLs, track reported
// parts, and reconcile against the object store before finalizing.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/metrics"
	"github.com/fairenow/flmlnk-admin-sub001/internal/storage"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the coordinator needs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to job.Status) (*job.Job, error)
	SetJobRemoteKey(ctx context.Context, id uuid.UUID, key string) error
	SetJobProgress(ctx context.Context, id uuid.UUID, progress int, step string) error
	CreateSession(ctx context.Context, s *job.UploadSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*job.UploadSession, error)
	AddCompletedPart(ctx context.Context, sessionID uuid.UUID, part job.CompletedPart) (store.AddPartResult, error)
	FinishSession(ctx context.Context, id uuid.UUID, status job.SessionStatus) error
}

// Dispatcher starts worker-pool processing for a job after its upload
// finalizes. Implementations return immediately; failures surface on the
// job record, never to the upload caller.
type Dispatcher interface {
	Dispatch(jobID uuid.UUID)
}

type Config struct {
	PartSize        int64
	SignedURLExpiry time.Duration
	SignBatchSize   int
	// ProgressCap is the job progress value a finished upload maps to;
	// the upload phase occupies the 0..ProgressCap sub-range.
	ProgressCap int
}

type Coordinator struct {
	objects    storage.ObjectStore
	store      Store
	dispatcher Dispatcher
	cfg        Config
}

func NewCoordinator(objects storage.ObjectStore, st Store, d Dispatcher, cfg Config) *Coordinator {
	if cfg.PartSize <= 0 {
		cfg.PartSize = 10 * 1024 * 1024
	}
	if cfg.SignBatchSize <= 0 {
		cfg.SignBatchSize = 10
	}
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = time.Hour
	}
	if cfg.ProgressCap <= 0 || cfg.ProgressCap > 100 {
		cfg.ProgressCap = 50
	}
	return &Coordinator{objects: objects, store: st, dispatcher: d, cfg: cfg}
}

type InitiateResult struct {
	SessionID      uuid.UUID
	UploadID       string
	RemoteKey      string
	PartSize       int64
	TotalParts     int
	SignedPartURLs []string
}

// Initiate creates the remote multipart upload and then the session row,
// in that order: a crash in between leaves an orphaned remote upload for
// the bucket's lifecycle policy to collect, never a session pointing at
// nothing.
func (c *Coordinator) Initiate(ctx context.Context, jobID, ownerID uuid.UUID, filename string, totalBytes int64, mimeType string) (*InitiateResult, error) {
	log := logger.FromContext(ctx)

	j, err := c.getOwnedJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	if j.Status != job.StatusPending {
		return nil, apperror.WrapWithMessage(nil, apperror.ErrInvalidStateTransition.Code,
			fmt.Sprintf("Job in status %s cannot accept an upload", j.Status), apperror.ErrInvalidStateTransition.StatusCode)
	}
	if filename == "" || totalBytes <= 0 {
		return nil, apperror.WrapWithMessage(nil, "missing_required_fields", "Filename and total_bytes are required", 400)
	}

	totalParts := int((totalBytes + c.cfg.PartSize - 1) / c.cfg.PartSize)
	remoteKey := fmt.Sprintf("uploads/%s/%s/%s", ownerID.String(), jobID.String(), filename)

	uploadID, err := c.objects.CreateMultipartUpload(ctx, remoteKey, mimeType)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrUploadInit)
	}

	session := &job.UploadSession{
		ID:         uuid.New(),
		JobID:      jobID,
		RemoteKey:  remoteKey,
		UploadID:   uploadID,
		PartSize:   c.cfg.PartSize,
		TotalParts: totalParts,
		TotalBytes: totalBytes,
		Status:     job.SessionActive,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrActiveSession) {
			return nil, apperror.WrapWithMessage(err, "upload_in_progress", "Job already has an active upload", 409)
		}
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	if err := c.store.SetJobRemoteKey(ctx, jobID, remoteKey); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}
	if _, err := c.store.TransitionJob(ctx, jobID, job.StatusPending, job.StatusUploading); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	batch := c.cfg.SignBatchSize
	if batch > totalParts {
		batch = totalParts
	}
	urls, err := c.signRange(ctx, remoteKey, uploadID, 1, batch)
	if err != nil {
		return nil, err
	}

	log.Info("upload initiated",
		"session_id", session.ID.String(),
		"upload_id", uploadID,
		"total_bytes", totalBytes,
		"total_parts", totalParts,
	)

	return &InitiateResult{
		SessionID:      session.ID,
		UploadID:       uploadID,
		RemoteKey:      remoteKey,
		PartSize:       c.cfg.PartSize,
		TotalParts:     totalParts,
		SignedPartURLs: urls,
	}, nil
}

// SignParts presigns URLs for parts startPart..endPart of an active
// session, for clients that need more than the initial batch or whose
// URLs neared expiry.
func (c *Coordinator) SignParts(ctx context.Context, sessionID, ownerID uuid.UUID, startPart, endPart int) ([]string, error) {
	s, _, err := c.getOwnedActiveSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	if startPart < 1 || endPart > s.TotalParts || startPart > endPart {
		return nil, apperror.WrapWithMessage(nil, "part_range_invalid",
			fmt.Sprintf("Part range must lie within 1..%d", s.TotalParts), 400)
	}

	return c.signRange(ctx, s.RemoteKey, s.UploadID, startPart, endPart)
}

func (c *Coordinator) signRange(ctx context.Context, key, uploadID string, start, end int) ([]string, error) {
	urls := make([]string, 0, end-start+1)
	for n := start; n <= end; n++ {
		u, err := c.objects.PresignPartURL(ctx, key, uploadID, n, c.cfg.SignedURLExpiry)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.ErrInternal)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

type ReportResult struct {
	AlreadyReported bool
	PartsCompleted  int
	TotalParts      int
}

// ReportPart records that the browser finished PUTting one part. Reports
// are idempotent per part number; the first application also advances the
// owning job's progress linearly within the upload sub-range.
func (c *Coordinator) ReportPart(ctx context.Context, sessionID, ownerID uuid.UUID, partNumber int, etag string, partBytes int64) (*ReportResult, error) {
	log := logger.FromContext(ctx)

	s, _, err := c.getOwnedActiveSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	if partNumber < 1 || partNumber > s.TotalParts {
		return nil, apperror.WrapWithMessage(nil, "part_out_of_range",
			fmt.Sprintf("Part number must lie within 1..%d", s.TotalParts), 400)
	}

	res, err := c.store.AddCompletedPart(ctx, sessionID, job.CompletedPart{
		PartNumber: partNumber,
		ETag:       etag,
		Size:       partBytes,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Wrap(err, apperror.ErrInvalidStateTransition)
		}
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	metrics.RecordPartReported(!res.Added)

	if res.Added {
		progress := c.uploadProgress(res.BytesUploaded, res.TotalBytes)
		if err := c.store.SetJobProgress(ctx, s.JobID, progress, "uploading"); err != nil {
			// Progress is cosmetic next to part bookkeeping; log and move on.
			log.Warn("failed to update job progress", "job_id", s.JobID.String(), "error", err)
		}
	}

	log.Debug("part reported",
		"session_id", sessionID.String(),
		"part_number", partNumber,
		"already_reported", !res.Added,
		"parts_completed", res.PartsCompleted,
	)

	return &ReportResult{
		AlreadyReported: !res.Added,
		PartsCompleted:  res.PartsCompleted,
		TotalParts:      res.TotalParts,
	}, nil
}

func (c *Coordinator) uploadProgress(bytesUploaded, totalBytes int64) int {
	if totalBytes <= 0 {
		return 0
	}
	p := int(float64(bytesUploaded) / float64(totalBytes) * float64(c.cfg.ProgressCap))
	if p > c.cfg.ProgressCap {
		p = c.cfg.ProgressCap
	}
	return p
}

// Complete finalizes the upload. The local part count is a precondition
// only; the store's own paginated part listing is the authoritative record
// the finalize call is built from, because browser CORS configurations can
// hide ETag headers and make client reports unreliable.
func (c *Coordinator) Complete(ctx context.Context, sessionID, ownerID uuid.UUID) (string, error) {
	log := logger.FromContext(ctx)

	s, _, err := c.getOwnedActiveSession(ctx, sessionID, ownerID)
	if err != nil {
		return "", err
	}

	if len(s.CompletedParts) != s.TotalParts {
		return "", apperror.WrapWithMessage(nil, apperror.ErrPartCountMismatch.Code,
			fmt.Sprintf("%d of %d parts reported", len(s.CompletedParts), s.TotalParts),
			apperror.ErrPartCountMismatch.StatusCode)
	}

	remoteParts, err := c.objects.ListParts(ctx, s.RemoteKey, s.UploadID)
	if err != nil {
		return "", apperror.Wrap(err, apperror.ErrInternal)
	}

	if len(remoteParts) != s.TotalParts {
		metrics.RecordUploadFinalized("mismatch", 0)
		log.Warn("part count mismatch at finalization",
			"session_id", sessionID.String(),
			"reported", s.TotalParts,
			"authoritative", len(remoteParts),
		)
		return "", apperror.WrapWithMessage(nil, apperror.ErrPartCountMismatch.Code,
			fmt.Sprintf("Object store reports %d parts, expected %d", len(remoteParts), s.TotalParts),
			apperror.ErrPartCountMismatch.StatusCode)
	}

	if err := c.objects.CompleteMultipartUpload(ctx, s.RemoteKey, s.UploadID, remoteParts); err != nil {
		metrics.RecordUploadFinalized("error", 0)
		return "", apperror.Wrap(err, apperror.ErrInternal)
	}

	if err := c.store.FinishSession(ctx, sessionID, job.SessionCompleted); err != nil {
		return "", apperror.Wrap(err, apperror.ErrInternal)
	}
	if _, err := c.store.TransitionJob(ctx, s.JobID, job.StatusUploading, job.StatusUploaded); err != nil {
		return "", apperror.Wrap(err, apperror.ErrInternal)
	}
	if err := c.store.SetJobProgress(ctx, s.JobID, c.cfg.ProgressCap, "upload complete"); err != nil {
		log.Warn("failed to update job progress", "job_id", s.JobID.String(), "error", err)
	}

	metrics.RecordUploadFinalized("completed", s.TotalBytes)
	log.Info("upload completed",
		"session_id", sessionID.String(),
		"remote_key", s.RemoteKey,
		"total_bytes", s.TotalBytes,
	)

	c.dispatcher.Dispatch(s.JobID)

	return s.RemoteKey, nil
}

// Abort tears down an in-flight upload. The remote abort is best-effort;
// a session that is already gone or already aborted counts as success so
// retries and double-clicks stay harmless.
func (c *Coordinator) Abort(ctx context.Context, sessionID, ownerID uuid.UUID) error {
	log := logger.FromContext(ctx)

	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return apperror.Wrap(err, apperror.ErrInternal)
	}

	if _, err := c.getOwnedJob(ctx, s.JobID, ownerID); err != nil {
		return err
	}

	if s.Status != job.SessionActive {
		return nil
	}

	if err := c.objects.AbortMultipartUpload(ctx, s.RemoteKey, s.UploadID); err != nil {
		// The store's lifecycle policy collects the stray upload later.
		log.Warn("remote abort failed", "session_id", sessionID.String(), "error", err)
	}

	if err := c.store.FinishSession(ctx, sessionID, job.SessionAborted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperror.Wrap(err, apperror.ErrInternal)
	}

	metrics.RecordUploadFinalized("aborted", 0)
	log.Info("upload aborted", "session_id", sessionID.String())
	return nil
}

// SessionStatus returns the session plus its owning job for status polling.
func (c *Coordinator) SessionStatus(ctx context.Context, sessionID, ownerID uuid.UUID) (*job.UploadSession, *job.Job, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperror.ErrSessionNotFound
		}
		return nil, nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	j, err := c.getOwnedJob(ctx, s.JobID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return s, j, nil
}

func (c *Coordinator) getOwnedJob(ctx context.Context, jobID, ownerID uuid.UUID) (*job.Job, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.ErrJobNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}
	if j.OwnerID != ownerID {
		return nil, apperror.ErrForbidden
	}
	return j, nil
}

func (c *Coordinator) getOwnedActiveSession(ctx context.Context, sessionID, ownerID uuid.UUID) (*job.UploadSession, *job.Job, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperror.ErrSessionNotFound
		}
		return nil, nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	j, err := c.getOwnedJob(ctx, s.JobID, ownerID)
	if err != nil {
		return nil, nil, err
	}

	if s.Status != job.SessionActive {
		return nil, nil, apperror.WrapWithMessage(nil, apperror.ErrInvalidStateTransition.Code,
			fmt.Sprintf("Upload session is %s", s.Status), apperror.ErrInvalidStateTransition.StatusCode)
	}
	return s, j, nil
}
