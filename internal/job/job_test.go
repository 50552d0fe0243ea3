package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusUploading))
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusUploading, StatusUploaded))
	assert.True(t, CanTransition(StatusUploaded, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))

	// FAILED is reachable from every non-terminal status
	for _, from := range []Status{StatusPending, StatusUploading, StatusUploaded, StatusProcessing} {
		assert.True(t, CanTransition(from, StatusFailed), "FAILED from %s", from)
	}
}

func TestCanTransitionNoBackwardEdges(t *testing.T) {
	assert.False(t, CanTransition(StatusUploaded, StatusUploading))
	assert.False(t, CanTransition(StatusProcessing, StatusUploaded))
	assert.False(t, CanTransition(StatusUploading, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusUploaded))
	assert.False(t, CanTransition(StatusUploading, StatusProcessing))
}

func TestCanTransitionTerminalIsFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		for _, to := range []Status{StatusPending, StatusUploading, StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestFamilyValid(t *testing.T) {
	for _, f := range []Family{FamilyIngest, FamilyClip, FamilyMeme, FamilyGif, FamilyTrailer} {
		assert.True(t, f.Valid())
	}
	assert.False(t, Family("podcast").Valid())
	assert.False(t, Family("").Valid())
}

func TestClaimableStatuses(t *testing.T) {
	// A browser-upload ingest is only claimable once the upload landed.
	ingest := &Job{Family: FamilyIngest}
	assert.ElementsMatch(t, []Status{StatusUploaded, StatusProcessing}, ingest.ClaimableStatuses())

	// A URL-fed ingest skips the upload phase.
	url := "https://example.com/video.mp4"
	urlIngest := &Job{Family: FamilyIngest, SourceURL: &url}
	assert.Contains(t, urlIngest.ClaimableStatuses(), StatusPending)

	// Derived jobs are claimable straight from PENDING.
	clip := &Job{Family: FamilyClip}
	assert.Contains(t, clip.ClaimableStatuses(), StatusPending)
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	started := now.Add(-31 * time.Minute)
	j := &Job{ProcessingStartedAt: &started}

	assert.True(t, j.LeaseExpired(now, 30*time.Minute))
	assert.False(t, j.LeaseExpired(now, 45*time.Minute))

	// No lease means nothing to expire.
	assert.False(t, (&Job{}).LeaseExpired(now, time.Minute))
}

func TestLeaseHeldBy(t *testing.T) {
	lock := "worker-1"
	j := &Job{ProcessingLockID: &lock}

	assert.True(t, j.LeaseHeldBy("worker-1"))
	assert.False(t, j.LeaseHeldBy("worker-2"))
	assert.False(t, (&Job{}).LeaseHeldBy("worker-1"))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, ClampProgress(-5))
	assert.Equal(t, 42, ClampProgress(42))
	assert.Equal(t, 100, ClampProgress(250))
}

func TestSessionHasPart(t *testing.T) {
	s := &UploadSession{CompletedParts: []CompletedPart{
		{PartNumber: 1, ETag: "a", Size: 10},
		{PartNumber: 3, ETag: "c", Size: 10},
	}}

	assert.True(t, s.HasPart(1))
	assert.False(t, s.HasPart(2))
	assert.True(t, s.HasPart(3))
}
