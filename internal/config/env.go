package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// envVars maps environment variables onto settings. COMFY_PORT and USE_CPU
// keep the names the serverless image already sets.
var envVars = []struct {
	name  string
	apply func(s *Settings, v string) error
}{
	{"COMFY_PORT", func(s *Settings, v string) error { return parseInt(v, &s.Backend.Port) }},
	{"USE_CPU", func(s *Settings, v string) error {
		s.Backend.UseCPU = strings.EqualFold(strings.TrimSpace(v), "true")
		return nil
	}},
	{"COMFYJOB_VOLUME_PATH", func(s *Settings, v string) error { s.VolumePath = v; return nil }},
	{"COMFYJOB_WORKFLOW_PATH", func(s *Settings, v string) error { s.WorkflowPath = v; return nil }},
	{"COMFYJOB_BACKEND_DIR", func(s *Settings, v string) error { s.Backend.Dir = v; return nil }},
	{"COMFYJOB_LOG_LEVEL", func(s *Settings, v string) error { s.LogLevel = strings.ToLower(v); return nil }},
	{"COMFYJOB_LOG_FORMAT", func(s *Settings, v string) error { s.LogFormat = strings.ToLower(v); return nil }},
	{"COMFYJOB_EVENTS_URL", func(s *Settings, v string) error { s.Events.URL = v; return nil }},
	{"COMFYJOB_UPLOAD_URL", func(s *Settings, v string) error { s.Upload.URL = v; return nil }},
	{"COMFYJOB_HEALTHCHECK_PORT", func(s *Settings, v string) error { return parseInt(v, &s.Server.HealthcheckPort) }},
	{"COMFYJOB_MAX_CONCURRENT_JOBS", func(s *Settings, v string) error { return parseInt(v, &s.Server.MaxConcurrentJobs) }},
	{"COMFYJOB_COMPLETION_TIMEOUT", func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		s.Client.CompletionTimeout = d
		return nil
	}},
}

// ApplyEnv overrides s with the recognized environment variables. lookup is
// usually os.LookupEnv. Empty values are ignored.
func ApplyEnv(s *Settings, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(s, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", ev.name, v, err)
		}
	}
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}
