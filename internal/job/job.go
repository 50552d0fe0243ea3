// Package job holds the processing-job domain model shared by every job
// family: browser-uploaded video ingests and the clip, meme, gif, and
// trailer generations derived from them. All families move through the
// same status machine; a family only changes which statuses a worker may
// claim and what result entities it produces.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusUploading  Status = "UPLOADING"
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes the status DAG. FAILED is reachable from any
// non-terminal status; PENDING may jump straight to PROCESSING for jobs
// whose source is not a browser upload; there are no backward edges.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusUploading || to == StatusProcessing
	case StatusUploading:
		return to == StatusUploaded
	case StatusUploaded:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted
	}
	return false
}

type Family string

const (
	FamilyIngest  Family = "ingest"
	FamilyClip    Family = "clip"
	FamilyMeme    Family = "meme"
	FamilyGif     Family = "gif"
	FamilyTrailer Family = "trailer"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyIngest, FamilyClip, FamilyMeme, FamilyGif, FamilyTrailer:
		return true
	}
	return false
}

type Job struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Family    Family
	SourceURL *string
	RemoteKey *string
	Params    json.RawMessage

	Status      Status
	Progress    int
	CurrentStep string

	ProcessingLockID    *string
	ProcessingStartedAt *time.Time

	ErrorMessage *string
	ErrorStage   *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ClaimableStatuses is the set of statuses from which a worker may take a
// fresh lease on this job. Every family claims UPLOADED; an ingest fed by
// a URL instead of a browser upload skips the upload phase entirely, so it
// is claimable straight from PENDING. A PROCESSING job is claimable again
// only once its lease has expired, which TryClaim checks separately.
func (j *Job) ClaimableStatuses() []Status {
	statuses := []Status{StatusUploaded, StatusProcessing}
	if j.Family != FamilyIngest || (j.SourceURL != nil && *j.SourceURL != "") {
		statuses = append(statuses, StatusPending)
	}
	return statuses
}

// LeaseExpired reports whether the processing lease, if any, is older than
// timeout at the given instant.
func (j *Job) LeaseExpired(now time.Time, timeout time.Duration) bool {
	if j.ProcessingStartedAt == nil {
		return false
	}
	return now.Sub(*j.ProcessingStartedAt) >= timeout
}

// LeaseHeldBy reports whether lockID currently owns the lease.
func (j *Job) LeaseHeldBy(lockID string) bool {
	return j.ProcessingLockID != nil && *j.ProcessingLockID == lockID
}

// ClampProgress bounds a reported progress value to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAborted   SessionStatus = "ABORTED"
)

// CompletedPart is one client-reported part of an upload session. The etag
// is kept for diagnostics only; finalization re-derives etags from the
// object store because browser CORS setups can hide the ETag header.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadSession tracks one multipart upload feeding one job. A job has at
// most one ACTIVE session; COMPLETED and ABORTED are terminal.
type UploadSession struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	RemoteKey string
	UploadID  string

	PartSize   int64
	TotalParts int
	TotalBytes int64

	CompletedParts []CompletedPart
	BytesUploaded  int64

	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPart reports whether partNumber was already recorded.
func (s *UploadSession) HasPart(partNumber int) bool {
	for _, p := range s.CompletedParts {
		if p.PartNumber == partNumber {
			return true
		}
	}
	return false
}

type AssetKind string

const (
	AssetClip    AssetKind = "clip"
	AssetMeme    AssetKind = "meme"
	AssetGif     AssetKind = "gif"
	AssetFrame   AssetKind = "frame"
	AssetTrailer AssetKind = "trailer"
)

// ResultAsset is one entity produced by a worker: a generated clip, meme,
// gif, extracted frame, or trailer, stored in the object store under
// RemoteKey and described here.
type ResultAsset struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	Kind       AssetKind
	RemoteKey  string
	Title      string
	DurationMs *int
	Width      *int
	Height     *int
	Metadata   json.RawMessage
	CreatedAt  time.Time
}
