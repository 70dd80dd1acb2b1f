package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vk/comfyjob/internal/backend"
	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/events"
	"github.com/vk/comfyjob/internal/graph"
	"github.com/vk/comfyjob/internal/patcher"
	"github.com/vk/comfyjob/internal/workspace"
)

// Config holds the per-job timing and template settings.
type Config struct {
	WorkflowPath string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// CompletionTimeout bounds the wait for the submitted workflow. Zero
	// waits until the caller's context ends.
	CompletionTimeout time.Duration
	// Defaults are merged under every job's input; job keys win.
	Defaults map[string]any
}

// Deps are the collaborators a Handler drives.
type Deps struct {
	Workspace *workspace.Workspace
	Launcher  Launcher
	Ports     *PortPool
	// Publisher receives every state transition. Nil logs them.
	Publisher events.Publisher
	// LoadTemplate reads the template graph. Nil uses graph.Load.
	LoadTemplate func(path string) (*graph.Graph, error)
	// Uploader copies the images elsewhere after a job succeeds. Nil keeps
	// them on the volume only.
	Uploader Uploader
}

// Uploader copies a job's images and returns where they went.
type Uploader interface {
	Upload(ctx context.Context, jobID string, paths []string) ([]string, error)
}

// Handler processes jobs. It is safe for concurrent use; concurrency is
// bounded by the size of the port pool.
type Handler struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{}
	}
	if deps.LoadTemplate == nil {
		deps.LoadTemplate = graph.Load
	}
	if deps.Ports == nil {
		deps.Ports = NewPortPool(8188, 1)
	}
	return &Handler{cfg: cfg, deps: deps, now: time.Now}
}

// Handle runs j to completion and returns its result. It never panics and
// never returns a job failure as a Go error: failures are reported in the
// Result.
func (h *Handler) Handle(ctx context.Context, j Job) (res Result) {
	jobID := j.ID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx, logger := ctxlog.With(ctx, "job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked.", "panic", r)
			res = failure(jobID, fmt.Errorf("internal error: %v", r))
			h.publish(ctx, jobID, events.StateFailed, res.Error, nil)
		}
	}()

	h.publish(ctx, jobID, events.StateReceived, "", nil)
	logger.Debug("Received job.", "input", j.Input)

	outputs, err := h.run(ctx, jobID, j.Input)
	if err != nil {
		res = failure(jobID, err)
		h.publish(ctx, jobID, events.StateFailed, res.Error, nil)
		return res
	}

	var urls []string
	if h.deps.Uploader != nil {
		urls, err = h.deps.Uploader.Upload(ctx, jobID, outputs)
		if err != nil {
			res = failure(jobID, fmt.Errorf("failed to upload outputs: %w", err))
			h.publish(ctx, jobID, events.StateFailed, res.Error, nil)
			return res
		}
	}

	res = success(jobID, outputs, urls)
	h.publish(ctx, jobID, events.StateCompleted, "", outputs)
	return res
}

// run performs the job. Every resource it acquires is released by a
// deferred call before it returns.
func (h *Handler) run(ctx context.Context, jobID string, input map[string]any) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	template, err := h.deps.LoadTemplate(h.cfg.WorkflowPath)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, jobID, events.StateWorkflowLoaded, "", nil)

	patched, err := h.patch(ctx, template, input)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, jobID, events.StatePatched, "", nil)

	if err := h.deps.Workspace.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}
	outputDir, err := h.deps.Workspace.JobOutputDir(jobID)
	if err != nil {
		return nil, err
	}

	artifact, err := h.deps.Workspace.WriteArtifact(patched)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := h.deps.Workspace.RemoveArtifact(artifact); err != nil {
			logger.Warn("Failed to remove workflow artifact.", "path", artifact, "error", err)
		}
	}()

	port, err := h.deps.Ports.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.deps.Ports.Release(port)

	h.publish(ctx, jobID, events.StateBackendStarting, "", nil)
	proc, client, err := h.deps.Launcher.Launch(ctx, port, outputDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := proc.Stop(); err != nil {
			logger.Warn("Failed to stop backend.", "port", port, "error", err)
		}
	}()

	if !proc.WaitReady(ctx, h.cfg.ReadyTimeout) {
		return nil, &backend.StartError{Port: port, Err: backend.ErrNotReady}
	}
	h.publish(ctx, jobID, events.StateBackendReady, "", nil)

	token, err := client.Submit(ctx, patched)
	if err != nil {
		return nil, err
	}
	logger = logger.With("prompt_id", token)
	h.publish(ctx, jobID, events.StateSubmitted, "", nil)

	pollCtx := ctx
	if h.cfg.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, h.cfg.CompletionTimeout)
		defer cancel()
	}
	h.publish(ctx, jobID, events.StatePolling, "", nil)
	if _, err := client.AwaitCompletion(pollCtx, token, h.cfg.PollInterval); err != nil {
		return nil, err
	}

	outputs, err := workspace.CollectOutputs(outputDir)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, ErrNoOutput
	}
	logger.Info("Job produced images.", "count", len(outputs))
	return outputs, nil
}

// Preview returns the graph a job with input would submit, without
// starting a backend.
func (h *Handler) Preview(ctx context.Context, input map[string]any) (*graph.Graph, error) {
	template, err := h.deps.LoadTemplate(h.cfg.WorkflowPath)
	if err != nil {
		return nil, err
	}
	return h.patch(ctx, template, input)
}

func (h *Handler) patch(ctx context.Context, template *graph.Graph, input map[string]any) (*graph.Graph, error) {
	// Aliases are resolved per map so a job key always beats a default,
	// whichever spelling either side uses.
	overrides := patcher.ParseOverrides(h.cfg.Defaults).Overlay(patcher.ParseOverrides(input))
	patched, err := patcher.Patch(template, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to patch workflow: %w", err)
	}
	ctxlog.FromContext(ctx).Info("Workflow patched.", "overrides", overrides, "nodes", patched.Len())
	return patched, nil
}

func (h *Handler) publish(ctx context.Context, jobID string, state events.State, errMsg string, outputs []string) {
	h.deps.Publisher.Publish(ctx, events.Event{
		JobID:   jobID,
		State:   state,
		Error:   errMsg,
		Outputs: outputs,
		Time:    h.now(),
	})
}
