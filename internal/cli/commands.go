package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vk/comfyjob/internal/app"
	"github.com/vk/comfyjob/internal/config"
	"github.com/vk/comfyjob/internal/job"
)

func newRunCommand(opts *options) *cobra.Command {
	var (
		inputPath string
		jobID     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single job and print its result",
		Long: `Run a single job and print its result as JSON.

The job is read from --input (or stdin) in the queue's shape:
  {"id": "optional-id", "input": {"positive": "a cat", "seed": 42}}

Examples:
  comfyjob run --input job.json
  echo '{"input": {"positive": "a cat"}}' | comfyjob run --backend-dir /opt/ComfyUI`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.settings(cmd, nil)
			if err != nil {
				return err
			}
			j, err := readJob(cmd, inputPath)
			if err != nil {
				return err
			}
			if jobID != "" {
				j.ID = jobID
			}

			a := app.New(cmd.Context(), cmd.ErrOrStderr(), cfg)
			defer a.Close()

			res, err := a.RunJob(cmd.Context(), j, cmd.OutOrStdout())
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			if res.Failed() {
				return &ExitError{Code: 1, Message: res.Error}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Job file, or '-' for stdin.")
	cmd.Flags().StringVar(&jobID, "id", "", "Job id (default: the file's id or a new UUID).")
	return cmd
}

func newPatchCommand(opts *options) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Print the workflow a job would submit",
		Long: `Apply a job's overrides to the template workflow and print the result
without starting a backend.

Examples:
  comfyjob patch --input job.json
  comfyjob patch --workflow workflow_api.yaml --input job.json > patched.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.settings(cmd, nil)
			if err != nil {
				return err
			}
			j, err := readJob(cmd, inputPath)
			if err != nil {
				return err
			}

			a := app.New(cmd.Context(), cmd.ErrOrStderr(), cfg)
			defer a.Close()

			if err := a.Patch(cmd.Context(), j.Input, cmd.OutOrStdout()); err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Job file, or '-' for stdin.")
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	var (
		listen            string
		healthcheckPort   int
		maxConcurrentJobs int
		eventsURL         string
		completionTimeout time.Duration
	)
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local platform API",
		Long: `Serve the serverless worker API locally:
  POST /runsync      run a job and wait for its result
  POST /run          queue a job
  GET  /status/{id}  fetch a queued job

Examples:
  comfyjob serve --backend-dir /opt/ComfyUI --healthcheck-port 8080
  comfyjob serve --config comfyjob.hcl --max-concurrent-jobs 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := opts.settings(cmd, func(s *config.Settings) {
				if flags.Changed("listen") {
					s.Server.Listen = listen
				}
				if flags.Changed("healthcheck-port") {
					s.Server.HealthcheckPort = healthcheckPort
				}
				if flags.Changed("max-concurrent-jobs") {
					s.Server.MaxConcurrentJobs = maxConcurrentJobs
				}
				if flags.Changed("events-url") {
					s.Events.URL = eventsURL
				}
				if flags.Changed("completion-timeout") {
					s.Client.CompletionTimeout = completionTimeout
				}
			})
			if err != nil {
				return err
			}

			a := app.New(cmd.Context(), cmd.ErrOrStderr(), cfg)
			defer a.Close()

			if err := a.Serve(cmd.Context()); err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", defaults.Server.Listen, "Address of the job API.")
	f.IntVar(&healthcheckPort, "healthcheck-port", defaults.Server.HealthcheckPort, "Port for the HTTP health check server. 0 is disabled.")
	f.IntVar(&maxConcurrentJobs, "max-concurrent-jobs", defaults.Server.MaxConcurrentJobs, "Jobs run at once, each with its own backend port.")
	f.StringVar(&eventsURL, "events-url", "", "socket.io server receiving job state events.")
	f.DurationVar(&completionTimeout, "completion-timeout", defaults.Client.CompletionTimeout, "Bound on waiting for a submitted workflow. 0 waits forever.")
	return cmd
}

// jobFile is the queue's job envelope.
type jobFile struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

// readJob reads a job envelope from path, or from the command's stdin when
// path is "-".
func readJob(cmd *cobra.Command, path string) (job.Job, error) {
	var r io.Reader
	if path == "-" || path == "" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return job.Job{}, &ExitError{Code: 2, Message: fmt.Sprintf("failed to open job file: %v", err)}
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var jf jobFile
	if err := dec.Decode(&jf); err != nil {
		if errors.Is(err, io.EOF) {
			return job.Job{}, &ExitError{Code: 2, Message: "no job given on input"}
		}
		return job.Job{}, &ExitError{Code: 2, Message: fmt.Sprintf("invalid job: %v", err)}
	}
	if jf.Input == nil {
		return job.Job{}, &ExitError{Code: 2, Message: `invalid job: "input" is required`}
	}
	return job.Job{ID: jf.ID, Input: jf.Input}, nil
}
