package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/job"
	"github.com/vk/comfyjob/internal/jobstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	maxRequestBody  = 32 << 20
	shutdownTimeout = 5 * time.Second
)

// shutdownSignals end a job or the server; in-flight backends are torn down
// before the process exits.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Serve runs the local platform API until ctx ends or the process receives
// SIGINT or SIGTERM. Jobs still running at that point are cancelled and
// their backends torn down before Serve returns.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	apiLn, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Listen, err)
	}

	var healthLn net.Listener
	if port := a.cfg.Server.HealthcheckPort; port > 0 {
		healthLn, err = net.Listen("tcp", ":"+strconv.Itoa(port))
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("failed to listen on health check port %d: %w", port, err)
		}
	} else {
		a.logger.Warn("Health check server not started: disabled")
	}

	return a.serve(ctx, apiLn, healthLn)
}

// serve runs the API on apiLn and, when healthLn is not nil, the health
// check server on healthLn.
func (a *App) serve(ctx context.Context, apiLn, healthLn net.Listener) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	g, gctx := errgroup.WithContext(ctx)

	jobs := newAPI(gctx, a.handler, a.store, a.cfg.Server.MaxConcurrentJobs)
	servers := []*http.Server{{Handler: jobs.routes()}}
	listeners := []net.Listener{apiLn}
	if healthLn != nil {
		servers = append(servers, a.healthcheckServer())
		listeners = append(listeners, healthLn)
	}

	for i, srv := range servers {
		ln := listeners[i]
		srv.BaseContext = func(net.Listener) context.Context { return gctx }
		g.Go(func() error {
			a.logger.Info("🌐 Server listening.", "address", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", ln.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var firstErr error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				a.logger.Error("Server shutdown failed", "error", err)
				firstErr = err
			}
		}
		jobs.wait()
		a.logger.Debug("Servers shut down gracefully.")
		return firstErr
	})

	return g.Wait()
}

// api implements the serverless worker contract over HTTP.
type api struct {
	// ctx bounds every job; it ends on shutdown.
	ctx    context.Context
	logger *slog.Logger
	runner jobRunner
	store  jobstore.Store
	sem    *semaphore.Weighted
	jobs   errgroup.Group
}

func newAPI(ctx context.Context, runner jobRunner, store jobstore.Store, maxJobs int) *api {
	return &api{
		ctx:    ctx,
		logger: ctxlog.FromContext(ctx),
		runner: runner,
		store:  store,
		sem:    semaphore.NewWeighted(int64(maxJobs)),
	}
}

func (s *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runsync", s.handleRunSync)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	return mux
}

// wait blocks until every queued job has finished.
func (s *api) wait() {
	_ = s.jobs.Wait()
}

type runRequest struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

type runResponse struct {
	ID     string          `json:"id"`
	Status jobstore.Status `json:"status"`
	Output *job.Result     `json:"output,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *api) handleRunSync(w http.ResponseWriter, r *http.Request) {
	j, ok := s.accept(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	res := s.execute(ctx, j)
	writeJSON(w, http.StatusOK, runResponse{ID: j.ID, Status: jobstore.StatusOf(res), Output: &res})
}

func (s *api) handleRun(w http.ResponseWriter, r *http.Request) {
	j, ok := s.accept(w, r)
	if !ok {
		return
	}

	s.jobs.Go(func() error {
		s.execute(s.ctx, j)
		return nil
	})
	writeJSON(w, http.StatusOK, runResponse{ID: j.ID, Status: jobstore.StatusInQueue})
}

func (s *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.store.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// accept decodes a job request and registers it as IN_QUEUE. On failure it
// has already written the response.
func (s *api) accept(w http.ResponseWriter, r *http.Request) (job.Job, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	var req runRequest
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return job.Job{}, false
	}
	if req.Input == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "input is required"})
		return job.Job{}, false
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := s.store.Put(r.Context(), req.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobstore.ErrExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return job.Job{}, false
	}
	s.logger.Debug("Job accepted.", "job_id", req.ID, "path", r.URL.Path)
	return job.Job{ID: req.ID, Input: req.Input}, true
}

// execute waits for a free worker slot, runs j and records the outcome.
func (s *api) execute(ctx context.Context, j job.Job) job.Result {
	logger := s.logger.With("job_id", j.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		res := job.Result{JobID: j.ID, Error: fmt.Sprintf("job cancelled while queued: %v", err)}
		s.record(logger, j.ID, res)
		return res
	}
	defer s.sem.Release(1)

	if err := s.store.SetStatus(ctx, j.ID, jobstore.StatusInProgress); err != nil {
		logger.Warn("Failed to update job status.", "error", err)
	}
	res := s.runner.Handle(ctxlog.WithLogger(ctx, s.logger), j)
	s.record(logger, j.ID, res)
	return res
}

func (s *api) record(logger *slog.Logger, id string, res job.Result) {
	if err := s.store.SetResult(context.WithoutCancel(s.ctx), id, res); err != nil {
		logger.Warn("Failed to record job result.", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
