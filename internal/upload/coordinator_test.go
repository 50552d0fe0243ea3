package upload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/apperror"
	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/storage"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (d *fakeDispatcher) Dispatch(jobID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobID)
}

func (d *fakeDispatcher) dispatched() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.jobs...)
}

type fixture struct {
	objects    *storage.MemoryStore
	store      *store.Memory
	dispatcher *fakeDispatcher
	coord      *Coordinator
	ownerID    uuid.UUID
	jobID      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		objects:    storage.NewMemoryStore(),
		store:      store.NewMemory(),
		dispatcher: &fakeDispatcher{},
		ownerID:    uuid.New(),
	}
	f.coord = NewCoordinator(f.objects, f.store, f.dispatcher, Config{
		PartSize:        10 * 1024 * 1024,
		SignedURLExpiry: time.Hour,
		SignBatchSize:   10,
		ProgressCap:     50,
	})

	j := &job.Job{
		ID:      uuid.New(),
		OwnerID: f.ownerID,
		Family:  job.FamilyIngest,
		Status:  job.StatusPending,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), j))
	f.jobID = j.ID
	return f
}

const mb = 1024 * 1024

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	// 25 MB at a 10 MB part size takes 3 parts, the last one short.
	assert.Equal(t, 3, res.TotalParts)
	assert.Equal(t, int64(10*mb), res.PartSize)
	assert.Len(t, res.SignedPartURLs, 3)
	assert.NotEmpty(t, res.UploadID)
	assert.Contains(t, res.RemoteKey, f.jobID.String())

	j, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploading, j.Status)
	require.NotNil(t, j.RemoteKey)
	assert.Equal(t, res.RemoteKey, *j.RemoteKey)
}

func TestInitiateWrongOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Initiate(context.Background(), f.jobID, uuid.New(), "video.mp4", mb, "video/mp4")
	assert.True(t, apperror.Is(err, apperror.ErrForbidden))
}

func TestInitiateWrongStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.TransitionJob(ctx, f.jobID, job.StatusPending, job.StatusUploading)
	require.NoError(t, err)

	_, err = f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", mb, "video/mp4")
	assert.True(t, apperror.Is(err, apperror.ErrInvalidStateTransition))
}

func TestInitiateStorageFailureLeavesJobPending(t *testing.T) {
	f := newFixture(t)
	f.objects.CreateErr = assert.AnError

	_, err := f.coord.Initiate(context.Background(), f.jobID, f.ownerID, "video.mp4", mb, "video/mp4")
	assert.True(t, apperror.Is(err, apperror.ErrUploadInit))

	j, getErr := f.store.GetJob(context.Background(), f.jobID)
	require.NoError(t, getErr)
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestInitiateRejectsSecondActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	_, err = f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.Error(t, err)
}

func TestReportPartIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	rep, err := f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 1, "etag-1", 10*mb)
	require.NoError(t, err)
	assert.False(t, rep.AlreadyReported)
	assert.Equal(t, 1, rep.PartsCompleted)

	// The duplicate changes nothing.
	rep, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 1, "etag-1", 10*mb)
	require.NoError(t, err)
	assert.True(t, rep.AlreadyReported)
	assert.Equal(t, 1, rep.PartsCompleted)

	s, err := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(10*mb), s.BytesUploaded)
}

func TestReportPartAdvancesJobProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	_, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 1, "e1", 10*mb)
	require.NoError(t, err)

	j, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	// 10 of 25 MB at a cap of 50 lands at 20.
	assert.Equal(t, 20, j.Progress)
	assert.Equal(t, "uploading", j.CurrentStep)
}

func TestReportPartOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	_, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 4, "e4", mb)
	require.Error(t, err)
	assert.Equal(t, "part_out_of_range", apperror.Code(err))

	_, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 0, "e0", mb)
	require.Error(t, err)
}

// uploadAllParts simulates the browser PUTting each part to its presigned
// URL and then reporting it.
func uploadAllParts(t *testing.T, f *fixture, res *InitiateResult) {
	t.Helper()

	sizes := []int64{10 * mb, 10 * mb, 5 * mb}
	for i, size := range sizes[:res.TotalParts] {
		n := i + 1
		require.NoError(t, f.objects.PutPart(res.UploadID, n, "etag", size))
		_, err := f.coord.ReportPart(context.Background(), res.SessionID, f.ownerID, n, "etag", size)
		require.NoError(t, err)
	}
}

func TestCompleteFullUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	uploadAllParts(t, f, res)

	remoteKey, err := f.coord.Complete(ctx, res.SessionID, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, res.RemoteKey, remoteKey)

	assert.True(t, f.objects.HasObject(remoteKey), "object finalized in storage")

	s, err := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, job.SessionCompleted, s.Status)

	j, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploaded, j.Status)
	assert.Equal(t, 50, j.Progress)

	assert.Equal(t, []uuid.UUID{f.jobID}, f.dispatcher.dispatched())
}

func TestCompleteRejectsMissingReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	// Only two of three parts reported.
	require.NoError(t, f.objects.PutPart(res.UploadID, 1, "e", 10*mb))
	require.NoError(t, f.objects.PutPart(res.UploadID, 2, "e", 10*mb))
	_, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 1, "e", 10*mb)
	require.NoError(t, err)
	_, err = f.coord.ReportPart(ctx, res.SessionID, f.ownerID, 2, "e", 10*mb)
	require.NoError(t, err)

	_, err = f.coord.Complete(ctx, res.SessionID, f.ownerID)
	assert.True(t, apperror.Is(err, apperror.ErrPartCountMismatch))

	// Nothing finalized, session still active, no dispatch.
	assert.False(t, f.objects.HasObject(res.RemoteKey))
	s, getErr := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, getErr)
	assert.Equal(t, job.SessionActive, s.Status)
	assert.Empty(t, f.dispatcher.dispatched())
}

func TestCompleteReconciliationMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	uploadAllParts(t, f, res)

	// The store lost a part; client reports say otherwise. The listing wins.
	f.objects.DropPart(res.UploadID, 2)

	_, err = f.coord.Complete(ctx, res.SessionID, f.ownerID)
	assert.True(t, apperror.Is(err, apperror.ErrPartCountMismatch))
	assert.False(t, f.objects.HasObject(res.RemoteKey))

	j, getErr := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, getErr)
	assert.Equal(t, job.StatusUploading, j.Status)
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	require.NoError(t, f.coord.Abort(ctx, res.SessionID, f.ownerID))

	s, err := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, job.SessionAborted, s.Status)
	assert.Equal(t, 0, f.objects.UploadCount(), "remote upload aborted")

	// Aborting again is a no-op success.
	assert.NoError(t, f.coord.Abort(ctx, res.SessionID, f.ownerID))
}

func TestAbortUnknownSessionIsSuccess(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.coord.Abort(context.Background(), uuid.New(), f.ownerID))
}

func TestAbortSurvivesRemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	f.objects.AbortErr = assert.AnError
	require.NoError(t, f.coord.Abort(ctx, res.SessionID, f.ownerID))

	s, err := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, job.SessionAborted, s.Status)
}

func TestSignPartsRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Initiate(ctx, f.jobID, f.ownerID, "video.mp4", 25*mb, "video/mp4")
	require.NoError(t, err)

	urls, err := f.coord.SignParts(ctx, res.SessionID, f.ownerID, 2, 3)
	require.NoError(t, err)
	assert.Len(t, urls, 2)

	_, err = f.coord.SignParts(ctx, res.SessionID, f.ownerID, 2, 4)
	require.Error(t, err)
	assert.Equal(t, "part_range_invalid", apperror.Code(err))

	_, err = f.coord.SignParts(ctx, res.SessionID, f.ownerID, 3, 2)
	require.Error(t, err)
}
