// Package store persists jobs, upload sessions, and result assets. Jobs
// and sessions reference each other by id only; nothing hands out live
// object graphs. Every cross-request mutation the pipeline depends on
// (part reporting, lease claims, terminal flips) is a single
// compare-and-set operation here, so callers never do a read-then-write
// split across two round trips.
package store

import (
	"errors"
)

var (
	// ErrNotFound means the job or session does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a compare-and-set did not apply: the row exists
	// but its status or lock no longer matches the caller's expectation.
	ErrConflict = errors.New("store: conflict")

	// ErrActiveSession means the job already has an ACTIVE upload session.
	ErrActiveSession = errors.New("store: job already has an active upload session")
)

// AddPartResult reports the session counters after a part report. When the
// part number was already recorded the report is a no-op and Added is false.
type AddPartResult struct {
	Added          bool
	PartsCompleted int
	TotalParts     int
	BytesUploaded  int64
	TotalBytes     int64
}
