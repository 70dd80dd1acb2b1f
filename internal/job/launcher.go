package job

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vk/comfyjob/internal/backend"
	"github.com/vk/comfyjob/internal/comfy"
	"github.com/vk/comfyjob/internal/graph"
)

// Process is a started backend.
type Process interface {
	WaitReady(ctx context.Context, timeout time.Duration) bool
	Stop() error
}

// Client submits workflows to a backend and waits for them.
type Client interface {
	Submit(ctx context.Context, g *graph.Graph) (string, error)
	AwaitCompletion(ctx context.Context, token string, interval time.Duration) (*comfy.HistoryEntry, error)
}

// Launcher starts a backend for one job.
type Launcher interface {
	// Launch starts a backend listening on port and writing images into
	// outputDir. On success the caller owns the process and must stop it.
	Launch(ctx context.Context, port int, outputDir string) (Process, Client, error)
}

// BackendLauncher launches the real backend as a child process and talks to
// it over HTTP.
type BackendLauncher struct {
	// Backend is the launch template; Port and OutputDir are set per job.
	Backend backend.Config
	// Host is the address the client dials, usually "localhost".
	Host   string
	Client comfy.Options
}

// Launch implements Launcher.
func (l *BackendLauncher) Launch(ctx context.Context, port int, outputDir string) (Process, Client, error) {
	host := l.Host
	if host == "" {
		host = "localhost"
	}
	client, err := comfy.New("http://"+net.JoinHostPort(host, strconv.Itoa(port)), l.Client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	cfg := l.Backend
	cfg.Port = port
	cfg.OutputDir = outputDir

	proc, err := backend.New(cfg, client).Start(ctx)
	if err != nil {
		return nil, nil, err
	}
	return proc, client, nil
}
