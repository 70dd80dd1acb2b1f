package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/comfyjob/internal/backend"
	"github.com/vk/comfyjob/internal/comfy"
	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/events"
	"github.com/vk/comfyjob/internal/graph"
	"github.com/vk/comfyjob/internal/inmemorystore"
	"github.com/vk/comfyjob/internal/job"
	"github.com/vk/comfyjob/internal/jobstore"
	"github.com/vk/comfyjob/internal/upload"
	"github.com/vk/comfyjob/internal/workspace"
)

// jobRunner is the part of job.Handler the App drives.
type jobRunner interface {
	Handle(ctx context.Context, j job.Job) job.Result
	Preview(ctx context.Context, input map[string]any) (*graph.Graph, error)
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	logger  *slog.Logger
	cfg     *Config
	handler jobRunner
	store   jobstore.Store
	closers []io.Closer
}

// New builds an App from a validated configuration. Logs are written to
// logW. When an events URL is configured and the server cannot be reached,
// the App starts anyway and only logs state changes.
func New(ctx context.Context, logW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{
		logger: logger,
		cfg:    cfg,
		store:  inmemorystore.New(),
	}

	publisher := events.Multi{events.LogPublisher{}}
	if cfg.Events.URL != "" {
		sio, err := events.DialSocketIO(ctx, events.SocketIOConfig{
			URL:                cfg.Events.URL,
			Namespace:          cfg.Events.Namespace,
			EventName:          cfg.Events.EventName,
			InsecureSkipVerify: cfg.Events.InsecureSkipVerify,
		})
		if err != nil {
			logger.Warn("Event server unreachable; job states will only be logged.", "url", cfg.Events.URL, "error", err)
		} else {
			publisher = append(publisher, sio)
			a.closers = append(a.closers, sio)
		}
	}

	var uploader job.Uploader
	if cfg.Upload.URL != "" {
		u, err := upload.New(cfg.Upload.URL, &http.Client{Timeout: cfg.Upload.Timeout})
		if err != nil {
			logger.Warn("Uploads disabled.", "error", err)
		} else {
			uploader = u
		}
	}

	layout := workspace.NewLayout(cfg.VolumePath, cfg.Backend.Dir)
	a.handler = job.NewHandler(job.Config{
		WorkflowPath:      cfg.WorkflowPath,
		ReadyTimeout:      cfg.Backend.ReadyTimeout,
		PollInterval:      cfg.Client.PollInterval,
		CompletionTimeout: cfg.Client.CompletionTimeout,
		Defaults:          cfg.Defaults,
	}, job.Deps{
		Workspace: workspace.New(layout),
		Launcher: &job.BackendLauncher{
			Backend: backend.Config{
				Command:       cfg.Backend.Command,
				Dir:           cfg.Backend.Dir,
				ListenAddr:    cfg.Backend.Listen,
				TempDir:       layout.TempDir,
				UseCPU:        cfg.Backend.UseCPU,
				StopGrace:     cfg.Backend.StopGrace,
				ReadyInterval: cfg.Backend.ReadyInterval,
			},
			Client: comfy.Options{
				ClientID:      cfg.Client.ClientID,
				SubmitTimeout: cfg.Client.SubmitTimeout,
				StatusTimeout: cfg.Client.StatusTimeout,
				HealthTimeout: cfg.Client.HealthTimeout,
				HTTPClient:    comfy.NewHTTPClient(),
			},
		},
		Ports:     job.NewPortPool(cfg.Backend.Port, cfg.Server.MaxConcurrentJobs),
		Publisher: publisher,
		Uploader:  uploader,
	})

	logger.Debug("Application initialized.",
		"volume_path", cfg.VolumePath,
		"workflow_path", cfg.WorkflowPath,
		"backend_dir", cfg.Backend.Dir,
		"max_concurrent_jobs", cfg.Server.MaxConcurrentJobs,
	)
	return a
}

// Close releases connections held by the App.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
