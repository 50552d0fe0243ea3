package store

import (
	"context"
	"time"

	"sync"

	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/google/uuid"
)

// Memory is an in-process implementation used by tests and local
// development. A single mutex serializes every operation, which gives the
// same effective atomicity the Postgres implementation gets from
// single-statement CAS updates.
type Memory struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*job.Job
	sessions map[uuid.UUID]*job.UploadSession
	assets   map[uuid.UUID][]job.ResultAsset

	// Now is the clock; tests override it to age leases.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[uuid.UUID]*job.Job),
		sessions: make(map[uuid.UUID]*job.UploadSession),
		assets:   make(map[uuid.UUID][]job.ResultAsset),
		Now:      time.Now,
	}
}

func (m *Memory) now() time.Time {
	return m.Now()
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	c.SourceURL = copyStr(j.SourceURL)
	c.RemoteKey = copyStr(j.RemoteKey)
	c.ProcessingLockID = copyStr(j.ProcessingLockID)
	c.ErrorMessage = copyStr(j.ErrorMessage)
	c.ErrorStage = copyStr(j.ErrorStage)
	if j.ProcessingStartedAt != nil {
		t := *j.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copySession(s *job.UploadSession) *job.UploadSession {
	c := *s
	c.CompletedParts = append([]job.CompletedPart(nil), s.CompletedParts...)
	return &c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (m *Memory) CreateJob(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobsByOwner(ctx context.Context, ownerID uuid.UUID, status *job.Status, limit, offset int) ([]job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []job.Job
	for _, j := range m.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, *copyJob(j))
	}

	// Stable newest-first ordering like the SQL implementation.
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionJob moves a job from one status to another only if it still
// holds the expected status.
func (m *Memory) TransitionJob(ctx context.Context, id uuid.UUID, from, to job.Status) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != from {
		return nil, ErrConflict
	}
	j.Status = to
	j.UpdatedAt = m.now()
	return copyJob(j), nil
}

func (m *Memory) SetJobRemoteKey(ctx context.Context, id uuid.UUID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.RemoteKey = &key
	j.UpdatedAt = m.now()
	return nil
}

// SetJobProgress raises a job's progress; it never lowers it, so late or
// reordered part reports cannot walk the bar backwards.
func (m *Memory) SetJobProgress(ctx context.Context, id uuid.UUID, progress int, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrConflict
	}
	if p := job.ClampProgress(progress); p > j.Progress {
		j.Progress = p
	}
	if step != "" {
		j.CurrentStep = step
	}
	j.UpdatedAt = m.now()
	return nil
}

// TryClaim implements the lease decision table as one atomic check-and-set:
// no lock, same lock, or an expired lock yields a claim; a live foreign
// lock or a non-claimable status yields ErrConflict.
func (m *Memory) TryClaim(ctx context.Context, id uuid.UUID, lockID string, claimable []job.Status, timeout time.Duration) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	eligible := false
	for _, s := range claimable {
		if j.Status == s {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil, ErrConflict
	}

	now := m.now()
	if j.ProcessingLockID != nil && *j.ProcessingLockID != lockID && !j.LeaseExpired(now, timeout) {
		return nil, ErrConflict
	}

	j.Status = job.StatusProcessing
	j.ProcessingLockID = &lockID
	j.ProcessingStartedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

// UpdateProgressLocked applies a worker progress report if the job is
// still PROCESSING and the lease is unheld or held by lockID.
func (m *Memory) UpdateProgressLocked(ctx context.Context, id uuid.UUID, lockID string, progress int, step string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return nil, ErrConflict
	}
	if j.ProcessingLockID != nil && *j.ProcessingLockID != lockID {
		return nil, ErrConflict
	}

	j.Progress = job.ClampProgress(progress)
	if step != "" {
		j.CurrentStep = step
	}
	j.UpdatedAt = m.now()
	return copyJob(j), nil
}

// CompleteJob persists the worker's result assets and flips the job to
// COMPLETED in one step, clearing the lease. The lease must be held by
// lockID; an expired lease does not entitle its old holder to complete.
func (m *Memory) CompleteJob(ctx context.Context, id uuid.UUID, lockID string, assets []job.ResultAsset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusProcessing || !j.LeaseHeldBy(lockID) {
		return ErrConflict
	}

	now := m.now()
	for i := range assets {
		assets[i].JobID = id
		if assets[i].ID == uuid.Nil {
			assets[i].ID = uuid.New()
		}
		assets[i].CreatedAt = now
	}
	m.assets[id] = append(m.assets[id], assets...)

	j.Status = job.StatusCompleted
	j.Progress = 100
	j.ProcessingLockID = nil
	j.ProcessingStartedAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// FailJob marks a job FAILED with error detail and clears the lease. When
// lockID is non-nil the lease must be unheld or held by that id. Terminal
// jobs are left untouched and reported as ErrConflict.
func (m *Memory) FailJob(ctx context.Context, id uuid.UUID, message, stage string, lockID *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrConflict
	}
	if lockID != nil && j.ProcessingLockID != nil && *j.ProcessingLockID != *lockID {
		return ErrConflict
	}

	now := m.now()
	j.Status = job.StatusFailed
	j.ErrorMessage = &message
	j.ErrorStage = &stage
	j.ProcessingLockID = nil
	j.ProcessingStartedAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, s *job.UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.JobID == s.JobID && existing.Status == job.SessionActive {
			return ErrActiveSession
		}
	}

	now := m.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id uuid.UUID) (*job.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// AddCompletedPart records a client part report. Appending and the
// duplicate check happen under one critical section: reporting the same
// part twice is a no-op, concurrent distinct parts never lose updates.
func (m *Memory) AddCompletedPart(ctx context.Context, sessionID uuid.UUID, part job.CompletedPart) (AddPartResult, error) {
	if err := ctx.Err(); err != nil {
		return AddPartResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return AddPartResult{}, ErrNotFound
	}
	if s.Status != job.SessionActive {
		return AddPartResult{}, ErrConflict
	}

	if s.HasPart(part.PartNumber) {
		return AddPartResult{
			Added:          false,
			PartsCompleted: len(s.CompletedParts),
			TotalParts:     s.TotalParts,
			BytesUploaded:  s.BytesUploaded,
			TotalBytes:     s.TotalBytes,
		}, nil
	}

	s.CompletedParts = append(s.CompletedParts, part)
	s.BytesUploaded += part.Size
	s.UpdatedAt = m.now()

	return AddPartResult{
		Added:          true,
		PartsCompleted: len(s.CompletedParts),
		TotalParts:     s.TotalParts,
		BytesUploaded:  s.BytesUploaded,
		TotalBytes:     s.TotalBytes,
	}, nil
}

// FinishSession moves an ACTIVE session to a terminal status. Finishing a
// session already in the requested terminal status is a no-op success, so
// abort retries stay idempotent.
func (m *Memory) FinishSession(ctx context.Context, id uuid.UUID, status job.SessionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == status {
		return nil
	}
	if s.Status != job.SessionActive {
		return ErrConflict
	}
	s.Status = status
	s.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListAssetsByJob(ctx context.Context, jobID uuid.UUID) ([]job.ResultAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]job.ResultAsset(nil), m.assets[jobID]...), nil
}
