// Package lease arbitrates which worker may mutate a job. A claim takes a
// lease identified by the worker's lock id; every later mutation must
// present the same id. Leases expire lazily: nothing sweeps them, an
// expired lease simply loses its power to block the next claim.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/metrics"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the manager needs. Every
// method is a single atomic check-and-set on the job row.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	TryClaim(ctx context.Context, id uuid.UUID, lockID string, claimable []job.Status, timeout time.Duration) (*job.Job, error)
	UpdateProgressLocked(ctx context.Context, id uuid.UUID, lockID string, progress int, step string) (*job.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, lockID string, assets []job.ResultAsset) error
	FailJob(ctx context.Context, id uuid.UUID, message, stage string, lockID *string) error
}

type Manager struct {
	store   Store
	timeout time.Duration
}

// NewManager builds a manager whose leases expire after timeout. The
// timeout is configuration, not a constant, so operators can tune it to
// their longest expected render.
func NewManager(st Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{store: st, timeout: timeout}
}

func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Claim attempts to take the lease on a job for lockID. Exactly one of a
// set of racing claims succeeds: the store applies the whole decision
// table in one compare-and-set. Re-claiming with the lock id already on
// the job is an idempotent success; claiming over an expired lease is a
// takeover that restarts the lease clock.
func (m *Manager) Claim(ctx context.Context, jobID uuid.UUID, lockID string) (*job.Job, error) {
	log := logger.FromContext(ctx)

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.ErrJobNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	claimed, err := m.store.TryClaim(ctx, jobID, lockID, j.ClaimableStatuses(), m.timeout)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.ErrJobNotFound
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.RecordLeaseClaim(string(j.Family), "rejected")
			return nil, apperror.ErrLockConflict
		}
		return nil, apperror.Wrap(err, apperror.ErrInternal)
	}

	outcome := "claimed"
	if j.ProcessingLockID != nil && *j.ProcessingLockID != lockID {
		outcome = "takeover"
		log.Warn("lease takeover",
			"job_id", jobID.String(),
			"previous_lock_id", *j.ProcessingLockID,
			"lock_id", lockID,
		)
	}
	metrics.RecordLeaseClaim(string(j.Family), outcome)

	log.Info("job claimed", "job_id", jobID.String(), "family", string(j.Family), "lock_id", lockID)
	return claimed, nil
}

// UpdateProgress applies a worker's progress report. The job must still be
// PROCESSING and the lease unheld or held by lockID; a worker whose lease
// was taken over gets a conflict, not a silent overwrite of the new
// holder's progress.
func (m *Manager) UpdateProgress(ctx context.Context, jobID uuid.UUID, lockID string, progress int, step string) (*job.Job, error) {
	j, err := m.store.UpdateProgressLocked(ctx, jobID, lockID, progress, step)
	if err != nil {
		return nil, m.mutationError(ctx, jobID, lockID, err)
	}
	return j, nil
}

// Complete records the worker's result assets and flips the job to
// COMPLETED, releasing the lease. Assets and the status flip land
// together; a failure persists neither.
func (m *Manager) Complete(ctx context.Context, jobID uuid.UUID, lockID string, assets []job.ResultAsset) error {
	log := logger.FromContext(ctx)

	if err := m.store.CompleteJob(ctx, jobID, lockID, assets); err != nil {
		return m.mutationError(ctx, jobID, lockID, err)
	}

	j, err := m.store.GetJob(ctx, jobID)
	family := ""
	if err == nil {
		family = string(j.Family)
	}
	metrics.RecordJobTerminated(family, "COMPLETED", "")

	log.Info("job completed", "job_id", jobID.String(), "assets", len(assets), "lock_id", lockID)
	return nil
}

// Fail marks the job FAILED with the worker's error detail, releasing the
// lease. A missing or already-failed job counts as resolved and succeeds;
// failing a job another worker has since taken over is rejected.
func (m *Manager) Fail(ctx context.Context, jobID uuid.UUID, lockID, message, stage string) error {
	log := logger.FromContext(ctx)

	if err := m.store.FailJob(ctx, jobID, message, stage, &lockID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("failure reported for missing job", "job_id", jobID.String(), "lock_id", lockID)
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			if j, getErr := m.store.GetJob(ctx, jobID); getErr == nil && j.Status == job.StatusFailed {
				return nil
			}
		}
		return m.mutationError(ctx, jobID, lockID, err)
	}

	j, err := m.store.GetJob(ctx, jobID)
	family := ""
	if err == nil {
		family = string(j.Family)
	}
	metrics.RecordJobTerminated(family, "FAILED", stage)

	log.Warn("job failed", "job_id", jobID.String(), "stage", stage, "error", message)
	return nil
}

// mutationError maps a store rejection to the caller-facing taxonomy:
// a vanished job is not found, a row whose lock no longer matches is a
// lock mismatch, anything else on a live row is a state conflict.
func (m *Manager) mutationError(ctx context.Context, jobID uuid.UUID, lockID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperror.ErrJobNotFound
	}
	if !errors.Is(err, store.ErrConflict) {
		return apperror.Wrap(err, apperror.ErrInternal)
	}

	j, getErr := m.store.GetJob(ctx, jobID)
	if getErr == nil && j.ProcessingLockID != nil && !j.LeaseHeldBy(lockID) {
		return apperror.ErrLockMismatch
	}
	return apperror.ErrInvalidStateTransition
}
