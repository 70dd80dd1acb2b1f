package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// fileRoot is the top level of a configuration file. Pointer fields are nil
// when the attribute is absent so that only what the file sets is applied.
type fileRoot struct {
	VolumePath   *string `hcl:"volume_path,optional"`
	WorkflowPath *string `hcl:"workflow_path,optional"`
	LogLevel     *string `hcl:"log_level,optional"`
	LogFormat    *string `hcl:"log_format,optional"`

	Backend  *backendBlock  `hcl:"backend,block"`
	Client   *clientBlock   `hcl:"client,block"`
	Server   *serverBlock   `hcl:"server,block"`
	Events   *eventsBlock   `hcl:"events,block"`
	Upload   *uploadBlock   `hcl:"upload,block"`
	Defaults *defaultsBlock `hcl:"defaults,block"`
}

type backendBlock struct {
	Dir           *string  `hcl:"dir,optional"`
	Command       []string `hcl:"command,optional"`
	Listen        *string  `hcl:"listen,optional"`
	Port          *int     `hcl:"port,optional"`
	UseCPU        *bool    `hcl:"use_cpu,optional"`
	ReadyTimeout  *string  `hcl:"ready_timeout,optional"`
	ReadyInterval *string  `hcl:"ready_interval,optional"`
	StopGrace     *string  `hcl:"stop_grace,optional"`
}

type clientBlock struct {
	ClientID          *string `hcl:"client_id,optional"`
	SubmitTimeout     *string `hcl:"submit_timeout,optional"`
	StatusTimeout     *string `hcl:"status_timeout,optional"`
	HealthTimeout     *string `hcl:"health_timeout,optional"`
	PollInterval      *string `hcl:"poll_interval,optional"`
	CompletionTimeout *string `hcl:"completion_timeout,optional"`
}

type serverBlock struct {
	Listen            *string `hcl:"listen,optional"`
	HealthcheckPort   *int    `hcl:"healthcheck_port,optional"`
	MaxConcurrentJobs *int    `hcl:"max_concurrent_jobs,optional"`
}

type eventsBlock struct {
	URL                *string `hcl:"url,optional"`
	Namespace          *string `hcl:"namespace,optional"`
	EventName          *string `hcl:"event,optional"`
	InsecureSkipVerify *bool   `hcl:"insecure_skip_verify,optional"`
}

type uploadBlock struct {
	URL     *string `hcl:"url,optional"`
	Timeout *string `hcl:"timeout,optional"`
}

type defaultsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// functions are available to expressions in the configuration file.
var functions = map[string]function.Function{
	"coalesce":   stdlib.CoalesceFunc,
	"format":     stdlib.FormatFunc,
	"jsondecode": stdlib.JSONDecodeFunc,
	"lower":      stdlib.LowerFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
	"parseint":   stdlib.ParseIntFunc,
	"upper":      stdlib.UpperFunc,
}

// LoadFile parses the configuration file at path and applies what it sets
// on top of s. environ is exposed to expressions as the env object. Files
// ending in .json are read as HCL's JSON syntax.
func LoadFile(ctx context.Context, path string, s *Settings, environ []string) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading configuration file.", "path", path)

	parser := hclparse.NewParser()
	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if strings.HasSuffix(path, ".json") {
		file, diags = parser.ParseJSONFile(path)
	} else {
		file, diags = parser.ParseHCLFile(path)
	}
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	evalCtx, err := newEvalContext(environ)
	if err != nil {
		return err
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	if err := root.apply(s); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	if root.Defaults != nil {
		defaults, err := evalDefaults(root.Defaults.Body, evalCtx)
		if err != nil {
			return fmt.Errorf("invalid defaults block in %s: %w", path, err)
		}
		s.Defaults = defaults
		logger.Debug("Job input defaults loaded.", "count", len(defaults))
	}
	return nil
}

// newEvalContext exposes the environment as a map of strings named env.
func newEvalContext(environ []string) (*hcl.EvalContext, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	envVal, err := gocty.ToCtyValue(env, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("failed to convert environment: %w", err)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
		Functions: functions,
	}, nil
}

// evalDefaults evaluates every attribute of body and returns them as JSON
// values, numbers as json.Number.
func evalDefaults(body hcl.Body, evalCtx *hcl.EvalContext) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}

	vals := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, diags
		}
		vals[name] = v
	}

	obj := cty.ObjectVal(vals)
	data, err := ctyjson.Marshal(obj, obj.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return out, nil
}

func (r *fileRoot) apply(s *Settings) error {
	setString(&s.VolumePath, r.VolumePath)
	setString(&s.WorkflowPath, r.WorkflowPath)
	setString(&s.LogLevel, r.LogLevel)
	setString(&s.LogFormat, r.LogFormat)

	if b := r.Backend; b != nil {
		setString(&s.Backend.Dir, b.Dir)
		if len(b.Command) > 0 {
			s.Backend.Command = b.Command
		}
		setString(&s.Backend.Listen, b.Listen)
		setInt(&s.Backend.Port, b.Port)
		setBool(&s.Backend.UseCPU, b.UseCPU)
		if err := setDurations(map[string]durationField{
			"backend.ready_timeout":  {b.ReadyTimeout, &s.Backend.ReadyTimeout},
			"backend.ready_interval": {b.ReadyInterval, &s.Backend.ReadyInterval},
			"backend.stop_grace":     {b.StopGrace, &s.Backend.StopGrace},
		}); err != nil {
			return err
		}
	}

	if c := r.Client; c != nil {
		setString(&s.Client.ClientID, c.ClientID)
		if err := setDurations(map[string]durationField{
			"client.submit_timeout":     {c.SubmitTimeout, &s.Client.SubmitTimeout},
			"client.status_timeout":     {c.StatusTimeout, &s.Client.StatusTimeout},
			"client.health_timeout":     {c.HealthTimeout, &s.Client.HealthTimeout},
			"client.poll_interval":      {c.PollInterval, &s.Client.PollInterval},
			"client.completion_timeout": {c.CompletionTimeout, &s.Client.CompletionTimeout},
		}); err != nil {
			return err
		}
	}

	if sv := r.Server; sv != nil {
		setString(&s.Server.Listen, sv.Listen)
		setInt(&s.Server.HealthcheckPort, sv.HealthcheckPort)
		setInt(&s.Server.MaxConcurrentJobs, sv.MaxConcurrentJobs)
	}

	if e := r.Events; e != nil {
		setString(&s.Events.URL, e.URL)
		setString(&s.Events.Namespace, e.Namespace)
		setString(&s.Events.EventName, e.EventName)
		setBool(&s.Events.InsecureSkipVerify, e.InsecureSkipVerify)
	}

	if u := r.Upload; u != nil {
		setString(&s.Upload.URL, u.URL)
		if err := setDurations(map[string]durationField{
			"upload.timeout": {u.Timeout, &s.Upload.Timeout},
		}); err != nil {
			return err
		}
	}
	return nil
}

type durationField struct {
	raw *string
	dst *time.Duration
}

func setDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == nil {
			continue
		}
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
		*f.dst = d
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
