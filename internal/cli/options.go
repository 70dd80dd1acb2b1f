package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vk/comfyjob/internal/app"
	"github.com/vk/comfyjob/internal/config"
)

// options hold the persistent flags. A flag only overrides the file and
// environment when it was set on the command line.
type options struct {
	environ []string

	configPath   string
	envFile      string
	volumePath   string
	workflowPath string
	backendDir   string
	logLevel     string
	logFormat    string
	port         int
	useCPU       bool
}

func (o *options) register(cmd *cobra.Command) {
	defaults := config.Default()
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to an HCL configuration file (.hcl or .hcl.json).")
	f.StringVar(&o.envFile, "env-file", ".env", "Dotenv file read under the process environment. Ignored when the default is missing.")
	f.StringVar(&o.volumePath, "volume-path", defaults.VolumePath, "Durable volume holding models and outputs.")
	f.StringVarP(&o.workflowPath, "workflow", "w", "", "Template workflow (default <backend-dir>/workflow_api.json).")
	f.StringVar(&o.backendDir, "backend-dir", defaults.Backend.Dir, "Working directory of the backend.")
	f.StringVar(&o.logLevel, "log-level", defaults.LogLevel, "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	f.StringVar(&o.logFormat, "log-format", defaults.LogFormat, "Log output format. Options: 'json', 'text' or 'auto'.")
	f.IntVar(&o.port, "port", defaults.Backend.Port, "First port the backend listens on.")
	f.BoolVar(&o.useCPU, "cpu", false, "Run the backend on the CPU.")
}

// environment returns the process environment with the variables of the
// dotenv file placed underneath it. Variables already set keep their value.
func (o *options) environment(cmd *cobra.Command) ([]string, error) {
	if o.envFile == "" {
		return o.environ, nil
	}
	vars, err := godotenv.Read(o.envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
			return o.environ, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", o.envFile, err)
	}

	keys := slices.Sorted(maps.Keys(vars))
	environ := make([]string, 0, len(keys)+len(o.environ))
	for _, k := range keys {
		environ = append(environ, k+"="+vars[k])
	}
	// lookupFunc keeps the last value of a key, so the process wins.
	return append(environ, o.environ...), nil
}

// settings resolves the configuration for cmd: built-in defaults, then the
// configuration file, then the environment (process over dotenv file), then
// flags set on the command line. apply adds command-specific flags before
// validation.
func (o *options) settings(cmd *cobra.Command, apply func(*config.Settings)) (*app.Config, error) {
	s := config.Default()

	environ, err := o.environment(cmd)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	if o.configPath != "" {
		if err := config.LoadFile(cmd.Context(), o.configPath, &s, environ); err != nil {
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
	}
	if err := config.ApplyEnv(&s, lookupFunc(environ)); err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}

	flags := cmd.Flags()
	if flags.Changed("volume-path") {
		s.VolumePath = o.volumePath
	}
	if flags.Changed("workflow") {
		s.WorkflowPath = o.workflowPath
	}
	if flags.Changed("backend-dir") {
		s.Backend.Dir = o.backendDir
	}
	if flags.Changed("log-level") {
		s.LogLevel = strings.ToLower(o.logLevel)
	}
	if flags.Changed("log-format") {
		s.LogFormat = strings.ToLower(o.logFormat)
	}
	if flags.Changed("port") {
		s.Backend.Port = o.port
	}
	if flags.Changed("cpu") {
		s.Backend.UseCPU = o.useCPU
	}
	if apply != nil {
		apply(&s)
	}

	cfg, err := app.NewConfig(s)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("invalid configuration: %v", err)}
	}
	return cfg, nil
}
