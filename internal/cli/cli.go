package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the command line args. Results go to outW, logs and usage
// to errW. environ is the process environment as KEY=value pairs. Usage and
// configuration errors are returned as *ExitError with code 2.
func Execute(ctx context.Context, args []string, stdin io.Reader, outW, errW io.Writer, environ []string) error {
	slog.Debug("CLI parser started.")
	root := newRootCommand(environ)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(outW)
	root.SetErr(errW)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	// Anything cobra rejects before a command runs is a usage error.
	return &ExitError{Code: 2, Message: err.Error()}
}

// lookupFunc returns an os.LookupEnv equivalent over environ.
func lookupFunc(environ []string) func(string) (string, bool) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func newRootCommand(environ []string) *cobra.Command {
	opts := &options{environ: environ}

	root := &cobra.Command{
		Use:   "comfyjob",
		Short: "Serverless job handler for a ComfyUI-style backend",
		Long: `comfyjob runs image-generation jobs against a locally spawned backend.

Each job loads the template workflow, applies the job's overrides, starts a
dedicated backend, submits the workflow, waits for it and reports the
images it produced. The backend is always torn down when the job ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(root)

	root.AddCommand(
		newRunCommand(opts),
		newPatchCommand(opts),
		newServeCommand(opts),
	)
	return root
}
