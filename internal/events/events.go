// Package events publishes job state transitions to interested observers.
package events

import (
	"context"
	"time"

	"github.com/vk/comfyjob/internal/ctxlog"
)

// State is a step of the job lifecycle.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateWorkflowLoaded  State = "WORKFLOW_LOADED"
	StatePatched         State = "PATCHED"
	StateBackendStarting State = "BACKEND_STARTING"
	StateBackendReady    State = "BACKEND_READY"
	StateSubmitted       State = "SUBMITTED"
	StatePolling         State = "POLLING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event is a single state transition of a job.
type Event struct {
	JobID   string    `json:"job_id"`
	State   State     `json:"state"`
	Error   string    `json:"error,omitempty"`
	Outputs []string  `json:"outputs,omitempty"`
	Time    time.Time `json:"time"`
}

// Payload returns the event as a generic map for transports that serialize
// untyped values.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"job_id": e.JobID,
		"state":  string(e.State),
		"time":   e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.Error != "" {
		p["error"] = e.Error
	}
	if len(e.Outputs) > 0 {
		outputs := make([]any, len(e.Outputs))
		for i, o := range e.Outputs {
			outputs[i] = o
		}
		p["outputs"] = outputs
	}
	return p
}

// Publisher receives job events. Publish must not block for long and must
// never fail the job; implementations log their own delivery problems.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// LogPublisher writes every event to the context logger.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(ctx context.Context, e Event) {
	logger := ctxlog.FromContext(ctx)
	attrs := []any{"job_id", e.JobID, "state", e.State}
	if len(e.Outputs) > 0 {
		attrs = append(attrs, "outputs", e.Outputs)
	}
	if e.Error != "" {
		logger.Warn("Job state changed.", append(attrs, "error", e.Error)...)
		return
	}
	logger.Info("Job state changed.", attrs...)
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}
