// Package dispatch notifies the external worker pool that a job is ready.
// Dispatch is deliberately dumb: one POST telling the pool "work exists";
// everything stateful (claiming, progress, results) flows back through the
// worker webhook routes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/job"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/metrics"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the dispatcher needs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, message, stage string, lockID *string) error
}

type Config struct {
	// WorkerPoolURL is the pool's notification endpoint. Empty disables
	// dispatching, for deployments where workers poll instead.
	WorkerPoolURL string
	SharedSecret  string
	Timeout       time.Duration
}

type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    Config
	log    *slog.Logger
}

func NewDispatcher(st Store, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log,
	}
}

// notification is the payload the worker pool receives. It carries ids
// only; the worker fetches everything else when it claims the job.
type notification struct {
	JobID        string `json:"job_id"`
	Family       string `json:"family"`
	SharedSecret string `json:"shared_secret"`
}

// Dispatch notifies the worker pool about jobID from a background
// goroutine and returns immediately. The HTTP call runs on a fresh
// context so a finished request cannot cancel it. If notification fails
// the job is marked FAILED at stage "dispatch"; the upload that queued it
// stays completed either way.
func (d *Dispatcher) Dispatch(jobID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()

		if err := d.notify(ctx, jobID); err != nil {
			d.log.Error("worker pool dispatch failed",
				"job_id", jobID.String(),
				"error", err,
			)
			metrics.RecordDispatch("error")
			d.failJob(jobID, err)
			return
		}
		metrics.RecordDispatch("ok")
	}()
}

func (d *Dispatcher) notify(ctx context.Context, jobID uuid.UUID) error {
	if d.cfg.WorkerPoolURL == "" {
		metrics.RecordDispatch("disabled")
		return nil
	}

	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	body, err := json.Marshal(notification{
		JobID:        j.ID.String(),
		Family:       string(j.Family),
		SharedSecret: d.cfg.SharedSecret,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WorkerPoolURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifying worker pool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker pool returned status %d", resp.StatusCode)
	}

	d.log.Info("job dispatched", "job_id", jobID.String(), "family", string(j.Family))
	return nil
}

// failJob runs on its own context: the notify context is usually already
// expired when we get here, and the FAILED write must not inherit that.
func (d *Dispatcher) failJob(jobID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	msg := fmt.Sprintf("worker pool notification failed: %v", cause)
	if err := d.store.FailJob(ctx, jobID, msg, "dispatch", nil); err != nil && !errors.Is(err, store.ErrConflict) {
		d.log.Error("failed to mark job as failed after dispatch error",
			"job_id", jobID.String(),
			"error", err,
		)
	}
}
