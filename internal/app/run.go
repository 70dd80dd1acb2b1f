package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"

	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/job"
)

// RunJob runs a single job and writes its result to w as JSON. SIGINT or
// SIGTERM cancels the job, which still tears its backend down and reports a
// failed result. A failed job is reported in the returned Result; the error
// is only set when the result could not be written.
func (a *App) RunJob(ctx context.Context, j job.Job, w io.Writer) (job.Result, error) {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("🚀 Running job.", "job_id", j.ID)

	res := a.handler.Handle(ctx, j)
	if res.Failed() {
		a.logger.Error("Job failed.", "job_id", res.JobID, "error", res.Error)
	} else {
		a.logger.Info("🏁 Job finished.", "job_id", res.JobID, "images", len(res.OutputImages))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return res, fmt.Errorf("failed to write result: %w", err)
	}
	return res, nil
}

// Patch writes the graph a job with input would submit, without starting a
// backend.
func (a *App) Patch(ctx context.Context, input map[string]any, w io.Writer) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	g, err := a.handler.Preview(ctx, input)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("failed to write workflow: %w", err)
	}
	return nil
}
