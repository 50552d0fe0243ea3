package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, timeout time.Duration) (*Manager, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	return NewManager(m, timeout), m
}

func createJob(t *testing.T, m *store.Memory, family job.Family, status job.Status) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Family:  family,
		Status:  status,
	}
	require.NoError(t, m.CreateJob(context.Background(), j))
	return j
}

func TestClaimTakesLease(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)

	claimed, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, claimed.Status)
	assert.Equal(t, "worker-a", *claimed.ProcessingLockID)
}

func TestClaimIdempotentForSameLock(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	claimed, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", *claimed.ProcessingLockID)
}

func TestClaimRejectsLiveForeignLease(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	_, err = mgr.Claim(ctx, j.ID, "worker-b")
	assert.True(t, apperror.Is(err, apperror.ErrLockConflict))
}

func TestClaimTakeoverAfterTimeout(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()

	base := time.Now()
	m.Now = func() time.Time { return base }

	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)
	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	m.Now = func() time.Time { return base.Add(31 * time.Minute) }

	claimed, err := mgr.Claim(ctx, j.ID, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", *claimed.ProcessingLockID)

	// The old holder can no longer mutate the job.
	_, err = mgr.UpdateProgress(ctx, j.ID, "worker-a", 80, "rendering")
	assert.True(t, apperror.Is(err, apperror.ErrLockMismatch))
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyClip, job.StatusPending)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Claim(ctx, j.ID, uuid.NewString()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestClaimIngestNotClaimableBeforeUpload(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()

	j := createJob(t, m, job.FamilyIngest, job.StatusPending)
	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	assert.True(t, apperror.Is(err, apperror.ErrLockConflict))
}

func TestClaimUnknownJob(t *testing.T) {
	mgr, _ := newManager(t, 30*time.Minute)
	_, err := mgr.Claim(context.Background(), uuid.New(), "worker-a")
	assert.True(t, apperror.Is(err, apperror.ErrJobNotFound))
}

func TestUpdateProgress(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	got, err := mgr.UpdateProgress(ctx, j.ID, "worker-a", 72, "encoding")
	require.NoError(t, err)
	assert.Equal(t, 72, got.Progress)
	assert.Equal(t, "encoding", got.CurrentStep)
}

func TestCompleteReleasesLeaseAndStoresAssets(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyClip, job.StatusPending)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	assets := []job.ResultAsset{
		{Kind: job.AssetClip, RemoteKey: "results/clip.mp4", Title: "Highlight"},
	}
	require.NoError(t, mgr.Complete(ctx, j.ID, "worker-a", assets))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Nil(t, got.ProcessingLockID)

	stored, err := m.ListAssetsByJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestCompleteWrongLockRejected(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyClip, job.StatusPending)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	err = mgr.Complete(ctx, j.ID, "worker-b", nil)
	assert.True(t, apperror.Is(err, apperror.ErrLockMismatch))

	got, getErr := m.GetJob(ctx, j.ID)
	require.NoError(t, getErr)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestCompleteOnTerminalJobRejected(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyClip, job.StatusPending)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, mgr.Complete(ctx, j.ID, "worker-a", nil))

	// A duplicate completion finds no lease and no PROCESSING status.
	err = mgr.Complete(ctx, j.ID, "worker-a", nil)
	assert.Error(t, err)
}

func TestFail(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyGif, job.StatusPending)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	require.NoError(t, mgr.Fail(ctx, j.ID, "worker-a", "ffmpeg exited 1", "encode"))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "ffmpeg exited 1", *got.ErrorMessage)
	assert.Equal(t, "encode", *got.ErrorStage)
	assert.Nil(t, got.ProcessingLockID)
}

func TestFailMissingJobSucceeds(t *testing.T) {
	mgr, _ := newManager(t, 30*time.Minute)

	// The job is gone; the worker's failure report is already resolved.
	assert.NoError(t, mgr.Fail(context.Background(), uuid.New(), "worker-a", "crash", "encode"))
}

func TestFailAlreadyFailedJobSucceeds(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()
	j := createJob(t, m, job.FamilyGif, job.StatusPending)

	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, mgr.Fail(ctx, j.ID, "worker-a", "ffmpeg exited 1", "encode"))

	require.NoError(t, mgr.Fail(ctx, j.ID, "worker-a", "retry crashed too", "encode"))

	// The first failure's detail stays on the record.
	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg exited 1", *got.ErrorMessage)
}

func TestFailAfterTakeoverRejected(t *testing.T) {
	mgr, m := newManager(t, 30*time.Minute)
	ctx := context.Background()

	base := time.Now()
	m.Now = func() time.Time { return base }

	j := createJob(t, m, job.FamilyIngest, job.StatusUploaded)
	_, err := mgr.Claim(ctx, j.ID, "worker-a")
	require.NoError(t, err)

	m.Now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err = mgr.Claim(ctx, j.ID, "worker-b")
	require.NoError(t, err)

	err = mgr.Fail(ctx, j.ID, "worker-a", "stale crash report", "encode")
	assert.True(t, apperror.Is(err, apperror.ErrLockMismatch))

	got, getErr := m.GetJob(ctx, j.ID)
	require.NoError(t, getErr)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestDefaultTimeout(t *testing.T) {
	mgr := NewManager(store.NewMemory(), 0)
	assert.Equal(t, 30*time.Minute, mgr.Timeout())
}
