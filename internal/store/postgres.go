package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres backs the store with a pgx pool. Schema lives in schema.sql.
// The mutations the pipeline races on (part reports, claims, terminal
// flips) are single UPDATE statements whose WHERE clause carries the
// expected state, so concurrent callers serialize on the row and exactly
// one of them wins.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const jobColumns = `id, owner_id, family, source_url, remote_key, params, status, progress,
	current_step, processing_lock_id, processing_started_at, error_message, error_stage,
	created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		id        pgtype.UUID
		ownerID   pgtype.UUID
		family    string
		status    string
		params    []byte
		startedAt pgtype.Timestamptz
		created   pgtype.Timestamptz
		updated   pgtype.Timestamptz
		completed pgtype.Timestamptz
	)

	err := row.Scan(&id, &ownerID, &family, &j.SourceURL, &j.RemoteKey, &params, &status,
		&j.Progress, &j.CurrentStep, &j.ProcessingLockID, &startedAt,
		&j.ErrorMessage, &j.ErrorStage, &created, &updated, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.ID = uuid.UUID(id.Bytes)
	j.OwnerID = uuid.UUID(ownerID.Bytes)
	j.Family = job.Family(family)
	j.Status = job.Status(status)
	j.Params = params
	j.ProcessingStartedAt = tsPtr(startedAt)
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	j.CompletedAt = tsPtr(completed)
	return &j, nil
}

func tsPtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func (p *Postgres) CreateJob(ctx context.Context, j *job.Job) error {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, owner_id, family, source_url, remote_key, params, status, progress, current_step)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		pgUUID(j.ID), pgUUID(j.OwnerID), string(j.Family), j.SourceURL, j.RemoteKey,
		[]byte(j.Params), string(j.Status), j.Progress, j.CurrentStep)

	var created, updated pgtype.Timestamptz
	if err := row.Scan(&created, &updated); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, pgUUID(id))
	return scanJob(row)
}

func (p *Postgres) ListJobsByOwner(ctx context.Context, ownerID uuid.UUID, status *job.Status, limit, offset int) ([]job.Job, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		pgUUID(ownerID), statusArg(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func statusArg(status *job.Status) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}

func (p *Postgres) TransitionJob(ctx context.Context, id uuid.UUID, from, to job.Status) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		pgUUID(id), string(from), string(to))

	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, p.jobMissOrConflict(ctx, id)
	}
	return j, err
}

// jobMissOrConflict disambiguates a zero-row CAS: the job either does not
// exist or exists in a state the caller did not expect.
func (p *Postgres) jobMissOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, pgUUID(id)).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) SetJobRemoteKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET remote_key = $2, updated_at = now() WHERE id = $1`, pgUUID(id), key)
	if err != nil {
		return fmt.Errorf("set job remote key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobProgress raises job progress monotonically; late part reports can
// never lower the bar.
func (p *Postgres) SetJobProgress(ctx context.Context, id uuid.UUID, progress int, step string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    current_step = CASE WHEN $3 = '' THEN current_step ELSE $3 END,
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		pgUUID(id), job.ClampProgress(progress), step)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.jobMissOrConflict(ctx, id)
	}
	return nil
}

func (p *Postgres) TryClaim(ctx context.Context, id uuid.UUID, lockID string, claimable []job.Status, timeout time.Duration) (*job.Job, error) {
	statuses := make([]string, len(claimable))
	for i, s := range claimable {
		statuses[i] = string(s)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'PROCESSING',
		    processing_lock_id = $2,
		    processing_started_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		  AND (
		        processing_lock_id IS NULL
		     OR processing_lock_id = $2
		     OR processing_started_at <= now() - ($4 * interval '1 second')
		  )
		RETURNING `+jobColumns,
		pgUUID(id), lockID, statuses, timeout.Seconds())

	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, p.jobMissOrConflict(ctx, id)
	}
	return j, err
}

func (p *Postgres) UpdateProgressLocked(ctx context.Context, id uuid.UUID, lockID string, progress int, step string) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE jobs
		SET progress = $3,
		    current_step = CASE WHEN $4 = '' THEN current_step ELSE $4 END,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'PROCESSING'
		  AND (processing_lock_id IS NULL OR processing_lock_id = $2)
		RETURNING `+jobColumns,
		pgUUID(id), lockID, job.ClampProgress(progress), step)

	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, p.jobMissOrConflict(ctx, id)
	}
	return j, err
}

// CompleteJob writes the result assets and the COMPLETED flip in one
// transaction so a half-applied completion never leaves orphaned rows
// behind a still-PROCESSING job.
func (p *Postgres) CompleteJob(ctx context.Context, id uuid.UUID, lockID string, assets []job.ResultAsset) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED',
		    progress = 100,
		    processing_lock_id = NULL,
		    processing_started_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING' AND processing_lock_id = $2`,
		pgUUID(id), lockID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.jobMissOrConflict(ctx, id)
	}

	for i := range assets {
		a := &assets[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.JobID = id
		var meta []byte
		if a.Metadata != nil {
			meta = []byte(a.Metadata)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO result_assets (id, job_id, kind, remote_key, title, duration_ms, width, height, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pgUUID(a.ID), pgUUID(id), string(a.Kind), a.RemoteKey, a.Title, a.DurationMs, a.Width, a.Height, meta)
		if err != nil {
			return fmt.Errorf("insert result asset: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) FailJob(ctx context.Context, id uuid.UUID, message, stage string, lockID *string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'FAILED',
		    error_message = $2,
		    error_stage = $3,
		    processing_lock_id = NULL,
		    processing_started_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('COMPLETED', 'FAILED')
		  AND ($4::text IS NULL OR processing_lock_id IS NULL OR processing_lock_id = $4)`,
		pgUUID(id), message, stage, lockID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.jobMissOrConflict(ctx, id)
	}
	return nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *job.UploadSession) error {
	parts, err := json.Marshal(s.CompletedParts)
	if err != nil {
		return fmt.Errorf("marshal completed parts: %w", err)
	}
	if s.CompletedParts == nil {
		parts = []byte("[]")
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO upload_sessions (id, job_id, remote_key, upload_id, part_size, total_parts, total_bytes,
			completed_parts, bytes_uploaded, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		pgUUID(s.ID), pgUUID(s.JobID), s.RemoteKey, s.UploadID, s.PartSize, s.TotalParts,
		s.TotalBytes, parts, s.BytesUploaded, string(s.Status))

	var created, updated pgtype.Timestamptz
	if err := row.Scan(&created, &updated); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveSession
		}
		return fmt.Errorf("create upload session: %w", err)
	}
	s.CreatedAt = created.Time
	s.UpdatedAt = updated.Time
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*job.UploadSession, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, job_id, remote_key, upload_id, part_size, total_parts, total_bytes,
		       completed_parts, bytes_uploaded, status, created_at, updated_at
		FROM upload_sessions WHERE id = $1`, pgUUID(id))
	return scanSession(row)
}

func scanSession(row pgx.Row) (*job.UploadSession, error) {
	var (
		s       job.UploadSession
		id      pgtype.UUID
		jobID   pgtype.UUID
		parts   []byte
		status  string
		created pgtype.Timestamptz
		updated pgtype.Timestamptz
	)

	err := row.Scan(&id, &jobID, &s.RemoteKey, &s.UploadID, &s.PartSize, &s.TotalParts,
		&s.TotalBytes, &parts, &s.BytesUploaded, &status, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}

	s.ID = uuid.UUID(id.Bytes)
	s.JobID = uuid.UUID(jobID.Bytes)
	s.Status = job.SessionStatus(status)
	s.CreatedAt = created.Time
	s.UpdatedAt = updated.Time
	if err := json.Unmarshal(parts, &s.CompletedParts); err != nil {
		return nil, fmt.Errorf("decode completed parts: %w", err)
	}
	return &s, nil
}

// AddCompletedPart appends a part in a single statement guarded by both
// the ACTIVE status and the absence of the part number. Duplicate reports
// fall through to a read that returns the current counters untouched.
func (p *Postgres) AddCompletedPart(ctx context.Context, sessionID uuid.UUID, part job.CompletedPart) (AddPartResult, error) {
	partJSON, err := json.Marshal(part)
	if err != nil {
		return AddPartResult{}, fmt.Errorf("marshal part: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE upload_sessions
		SET completed_parts = completed_parts || $2::jsonb,
		    bytes_uploaded = bytes_uploaded + $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'ACTIVE'
		  AND NOT EXISTS (
		        SELECT 1 FROM jsonb_array_elements(completed_parts) elem
		        WHERE (elem->>'part_number')::int = $4
		  )
		RETURNING jsonb_array_length(completed_parts), total_parts, bytes_uploaded, total_bytes`,
		pgUUID(sessionID), partJSON, part.Size, part.PartNumber)

	var res AddPartResult
	err = row.Scan(&res.PartsCompleted, &res.TotalParts, &res.BytesUploaded, &res.TotalBytes)
	if err == nil {
		res.Added = true
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AddPartResult{}, fmt.Errorf("add completed part: %w", err)
	}

	s, err := p.GetSession(ctx, sessionID)
	if err != nil {
		return AddPartResult{}, err
	}
	if s.Status != job.SessionActive {
		return AddPartResult{}, ErrConflict
	}
	if !s.HasPart(part.PartNumber) {
		// The CAS lost to a concurrent state change; surface it as such.
		return AddPartResult{}, ErrConflict
	}
	return AddPartResult{
		Added:          false,
		PartsCompleted: len(s.CompletedParts),
		TotalParts:     s.TotalParts,
		BytesUploaded:  s.BytesUploaded,
		TotalBytes:     s.TotalBytes,
	}, nil
}

func (p *Postgres) FinishSession(ctx context.Context, id uuid.UUID, status job.SessionStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE upload_sessions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE'`,
		pgUUID(id), string(status))
	if err != nil {
		return fmt.Errorf("finish upload session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	s, err := p.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == status {
		return nil
	}
	return ErrConflict
}

func (p *Postgres) ListAssetsByJob(ctx context.Context, jobID uuid.UUID) ([]job.ResultAsset, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, kind, remote_key, title, duration_ms, width, height, metadata, created_at
		FROM result_assets WHERE job_id = $1 ORDER BY created_at, id`, pgUUID(jobID))
	if err != nil {
		return nil, fmt.Errorf("list result assets: %w", err)
	}
	defer rows.Close()

	var out []job.ResultAsset
	for rows.Next() {
		var (
			a       job.ResultAsset
			id      pgtype.UUID
			jID     pgtype.UUID
			kind    string
			meta    []byte
			created pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &jID, &kind, &a.RemoteKey, &a.Title, &a.DurationMs, &a.Width, &a.Height, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan result asset: %w", err)
		}
		a.ID = uuid.UUID(id.Bytes)
		a.JobID = uuid.UUID(jID.Bytes)
		a.Kind = job.AssetKind(kind)
		a.Metadata = meta
		a.CreatedAt = created.Time
		out = append(out, a)
	}
	return out, rows.Err()
}
