// Package backend supervises the image-generation server as a child process:
// launching it with the job's directories and port, waiting until its HTTP
// surface answers, and stopping it gracefully.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vk/comfyjob/internal/ctxlog"
)

// Defaults applied by New when a Config leaves a field zero.
const (
	DefaultStopGrace     = 10 * time.Second
	DefaultReadyInterval = 2 * time.Second
)

var (
	// ErrNotReady means the backend did not answer within the ready timeout.
	ErrNotReady = errors.New("backend did not become ready in time")
	// ErrExited means the backend exited before it became ready.
	ErrExited = errors.New("backend exited before becoming ready")
)

// Config describes how to launch the backend.
type Config struct {
	// Command is the program and its leading arguments, e.g. ["python", "main.py"].
	Command []string
	// Dir is the working directory of the child.
	Dir string
	// Env holds extra KEY=value pairs added to the inherited environment.
	Env []string

	ListenAddr string
	Port       int
	OutputDir  string
	TempDir    string
	UseCPU     bool

	StopGrace     time.Duration
	ReadyInterval time.Duration
}

// Args returns the full argument vector, program first.
func (c Config) Args() []string {
	args := append([]string(nil), c.Command...)
	args = append(args,
		"--listen", c.ListenAddr,
		"--port", strconv.Itoa(c.Port),
		"--output-directory", c.OutputDir,
		"--temp-directory", c.TempDir,
	)
	if c.UseCPU {
		args = append(args, "--cpu")
	}
	return args
}

// Prober checks whether the backend answers requests.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f ProberFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// StartError reports a backend that could not be launched or never became
// ready.
type StartError struct {
	Port int
	Err  error
}

// Error implements the error interface for StartError.
func (e *StartError) Error() string {
	return fmt.Sprintf("backend on port %d failed to start: %v", e.Port, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StartError) Unwrap() error {
	return e.Err
}

// Supervisor launches backend processes with a fixed configuration.
type Supervisor struct {
	cfg    Config
	prober Prober
}

// New creates a Supervisor. The prober is used by Process.WaitReady.
func New(cfg Config, prober Prober) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = DefaultReadyInterval
	}
	return &Supervisor{cfg: cfg, prober: prober}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start launches the backend. The child is not tied to ctx; call Stop on the
// returned Process to end it.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	logger := ctxlog.FromContext(ctx).With("component", "backend", "port", s.cfg.Port)

	if len(s.cfg.Command) == 0 {
		return nil, &StartError{Port: s.cfg.Port, Err: errors.New("no command configured")}
	}

	args := s.cfg.Args()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Output copying must not outlive a child that leaves its pipes open.
	cmd.WaitDelay = s.cfg.StopGrace

	logger.Info("Starting backend.", "args", args, "dir", s.cfg.Dir)
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Port: s.cfg.Port, Err: err}
	}

	p := &Process{
		cmd:      cmd,
		logger:   logger,
		prober:   s.prober,
		interval: s.cfg.ReadyInterval,
		grace:    s.cfg.StopGrace,
		done:     make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
		logger.Debug("Backend exited.", "error", p.waitErr)
	}()
	return p, nil
}

// Process is a running backend.
type Process struct {
	cmd      *exec.Cmd
	logger   *slog.Logger
	prober   Prober
	interval time.Duration
	grace    time.Duration

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting for the child. It is only
// meaningful after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// WaitReady probes the backend until it answers, the timeout elapses, ctx
// ends or the child exits. It reports whether the backend is ready.
func (p *Process) WaitReady(ctx context.Context, timeout time.Duration) bool {
	if p.prober == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		err := p.prober.Ping(ctx)
		if err == nil {
			p.logger.Info("Backend is ready.", "after", time.Since(start).Round(time.Millisecond))
			return true
		}
		p.logger.Debug("Backend not ready yet.", "error", err)

		select {
		case <-ctx.Done():
			p.logger.Warn("Gave up waiting for backend.", "timeout", timeout, "error", ctx.Err())
			return false
		case <-p.done:
			p.logger.Warn("Backend exited while starting.", "error", p.waitErr)
			return false
		case <-ticker.C:
		}
	}
}

// Stop asks the backend to terminate and kills it if it is still running
// after the grace period. Only the first call has any effect; later calls
// return the first result.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Process) stop() error {
	select {
	case <-p.done:
		p.logger.Debug("Backend already exited.")
		return nil
	default:
	}

	p.logger.Info("Stopping backend.", "pid", p.Pid(), "grace", p.grace)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to signal backend; killing it.", "error", err)
		return p.kill()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		p.logger.Debug("Backend stopped.")
		return nil
	case <-timer.C:
		p.logger.Warn("Backend ignored termination; killing it.", "grace", p.grace)
		return p.kill()
	}
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill backend: %w", err)
	}
	<-p.done
	return nil
}
