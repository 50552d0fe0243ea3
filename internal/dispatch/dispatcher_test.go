package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createUploadedJob(t *testing.T, m *store.Memory) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Family:  job.FamilyIngest,
		Status:  job.StatusUploaded,
	}
	require.NoError(t, m.CreateJob(context.Background(), j))
	return j
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatchNotifiesWorkerPool(t *testing.T) {
	m := store.NewMemory()
	j := createUploadedJob(t, m)

	received := make(chan notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(m, Config{
		WorkerPoolURL: srv.URL,
		SharedSecret:  "s3cret",
		Timeout:       2 * time.Second,
	}, logger.NewTestLogger())

	d.Dispatch(j.ID)

	select {
	case n := <-received:
		assert.Equal(t, j.ID.String(), n.JobID)
		assert.Equal(t, "ingest", n.Family)
		assert.Equal(t, "s3cret", n.SharedSecret)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool never notified")
	}

	// A successful dispatch leaves the job untouched.
	got, err := m.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploaded, got.Status)
}

func TestDispatchFailureFailsJob(t *testing.T) {
	m := store.NewMemory()
	j := createUploadedJob(t, m)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(m, Config{
		WorkerPoolURL: srv.URL,
		SharedSecret:  "s3cret",
		Timeout:       2 * time.Second,
	}, logger.NewTestLogger())

	d.Dispatch(j.ID)

	waitFor(t, func() bool {
		got, err := m.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusFailed
	})

	got, err := m.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorStage)
	assert.Equal(t, "dispatch", *got.ErrorStage)
	assert.Contains(t, *got.ErrorMessage, "worker pool")
}

func TestDispatchTimeoutFailsJob(t *testing.T) {
	m := store.NewMemory()
	j := createUploadedJob(t, m)

	// The pool accepts the connection but never answers, so the dispatch
	// fails by running out its own deadline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// the request context when the timed-out client disconnects;
		// otherwise this handler (and srv.Close) would block forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := NewDispatcher(m, Config{
		WorkerPoolURL: srv.URL,
		SharedSecret:  "s3cret",
		Timeout:       100 * time.Millisecond,
	}, logger.NewTestLogger())

	d.Dispatch(j.ID)

	waitFor(t, func() bool {
		got, err := m.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusFailed
	})

	got, err := m.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorStage)
	assert.Equal(t, "dispatch", *got.ErrorStage)
	assert.Contains(t, *got.ErrorMessage, "worker pool")
}

func TestDispatchUnreachablePoolFailsJob(t *testing.T) {
	m := store.NewMemory()
	j := createUploadedJob(t, m)

	d := NewDispatcher(m, Config{
		WorkerPoolURL: "http://127.0.0.1:1",
		SharedSecret:  "s3cret",
		Timeout:       time.Second,
	}, logger.NewTestLogger())

	d.Dispatch(j.ID)

	waitFor(t, func() bool {
		got, err := m.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusFailed
	})
}

func TestDispatchDisabledWithoutURL(t *testing.T) {
	m := store.NewMemory()
	j := createUploadedJob(t, m)

	d := NewDispatcher(m, Config{SharedSecret: "s3cret"}, logger.NewTestLogger())
	d.Dispatch(j.ID)

	// Give the goroutine a moment; nothing should change.
	time.Sleep(50 * time.Millisecond)

	got, err := m.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploaded, got.Status)
}
