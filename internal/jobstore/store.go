// Package jobstore defines the interface for tracking jobs accepted by the
// local platform API, from the moment they are queued until their result is
// fetched.
//
// # Why Job Store Exists
//
// The job handler itself is stateless: it runs one job and returns a Result.
// The asynchronous API (POST /run, GET /status/{id}) needs somewhere to keep
// a job between those two calls. The store is that place, and nothing else
// depends on it, so the handler can be reused unchanged by other frontends.
//
// # State Transitions
//
// Jobs follow this lifecycle:
//
//	IN_QUEUE → IN_PROGRESS → COMPLETED (with output) OR FAILED (with error)
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent use: workers update records
// while HTTP handlers read them.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/vk/comfyjob/internal/job"
)

// Status is the platform-level state of a queued job.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned by Put for an id that is already registered.
	ErrExists = errors.New("job already exists")
)

// Record is the stored view of a job.
type Record struct {
	ID        string      `json:"id"`
	Status    Status      `json:"status"`
	Output    *job.Result `json:"output,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store keeps job records for the lifetime of the process.
type Store interface {
	// Put registers a new job as IN_QUEUE. It fails if the id is taken.
	Put(ctx context.Context, id string) error
	// SetStatus moves a job to a non-terminal status.
	SetStatus(ctx context.Context, id string, status Status) error
	// SetResult records the outcome and moves the job to COMPLETED or FAILED.
	SetResult(ctx context.Context, id string, result job.Result) error
	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
}

// StatusOf maps a job result to its terminal status.
func StatusOf(result job.Result) Status {
	if result.Failed() {
		return StatusFailed
	}
	return StatusCompleted
}
