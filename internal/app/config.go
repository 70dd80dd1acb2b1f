package app

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/vk/comfyjob/internal/config"
)

// Config is the resolved configuration of an App.
type Config = config.Settings

// DefaultWorkflowFile is the template looked up in the backend directory
// when no workflow path is configured.
const DefaultWorkflowFile = "workflow_api.json"

// NewConfig validates cfg and fills in derived values. Paths are made
// absolute so the backend can run from its own working directory.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.VolumePath == "" {
		return nil, errors.New("VolumePath is a required configuration field and cannot be empty")
	}
	if len(cfg.Backend.Command) == 0 {
		return nil, errors.New("backend command cannot be empty")
	}
	if cfg.Backend.Dir == "" {
		cfg.Backend.Dir = "."
	}
	if cfg.WorkflowPath == "" {
		cfg.WorkflowPath = filepath.Join(cfg.Backend.Dir, DefaultWorkflowFile)
	}

	var err error
	for _, p := range []*string{&cfg.VolumePath, &cfg.Backend.Dir, &cfg.WorkflowPath} {
		if *p, err = filepath.Abs(*p); err != nil {
			return nil, fmt.Errorf("failed to resolve path: %w", err)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text", "auto":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'json', 'text', or 'auto'", cfg.LogFormat)
	}

	if cfg.Backend.Port < 1 || cfg.Backend.Port > 65535 {
		return nil, fmt.Errorf("invalid backend port %d", cfg.Backend.Port)
	}
	if cfg.Server.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("max concurrent jobs must be at least 1, got %d", cfg.Server.MaxConcurrentJobs)
	}
	if last := cfg.Backend.Port + cfg.Server.MaxConcurrentJobs - 1; last > 65535 {
		return nil, fmt.Errorf("backend ports %d-%d are out of range", cfg.Backend.Port, last)
	}
	if cfg.Server.HealthcheckPort < 0 || cfg.Server.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.Server.HealthcheckPort)
	}
	if cfg.Client.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.Backend.ReadyInterval <= 0 {
		return nil, errors.New("ready interval must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"backend ready timeout", cfg.Backend.ReadyTimeout},
		{"backend stop grace", cfg.Backend.StopGrace},
		{"submit timeout", cfg.Client.SubmitTimeout},
		{"status timeout", cfg.Client.StatusTimeout},
		{"health timeout", cfg.Client.HealthTimeout},
		{"completion timeout", cfg.Client.CompletionTimeout},
		{"upload timeout", cfg.Upload.Timeout},
	} {
		if d.value < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %s", d.name, d.value)
		}
	}

	if cfg.Upload.URL != "" {
		u, err := url.Parse(cfg.Upload.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid upload URL %q: must be an http or https URL", cfg.Upload.URL)
		}
	}

	return &cfg, nil
}
