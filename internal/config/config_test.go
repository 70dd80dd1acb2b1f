package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_OverlaysOnlyWhatIsSet(t *testing.T) {
	path := writeFile(t, "comfyjob.hcl", `
volume_path = "/runpod-volume"

backend {
  dir           = "/opt/ComfyUI"
  command       = ["python3", "main.py", "--disable-auto-launch"]
  port          = 8190
  use_cpu       = true
  ready_timeout = "5m"
}

client {
  poll_interval      = "500ms"
  completion_timeout = "0"
}

server {
  max_concurrent_jobs = 3
}

events {
  url = "http://localhost:3000/socket.io/"
}

upload {
  url     = "http://minio:9000/outputs"
  timeout = "1m"
}
`)

	got := Default()
	require.NoError(t, LoadFile(context.Background(), path, &got, nil))

	want := Default()
	want.VolumePath = "/runpod-volume"
	want.Backend.Dir = "/opt/ComfyUI"
	want.Backend.Command = []string{"python3", "main.py", "--disable-auto-launch"}
	want.Backend.Port = 8190
	want.Backend.UseCPU = true
	want.Backend.ReadyTimeout = 5 * time.Minute
	want.Client.PollInterval = 500 * time.Millisecond
	want.Client.CompletionTimeout = 0
	want.Server.MaxConcurrentJobs = 3
	want.Events.URL = "http://localhost:3000/socket.io/"
	want.Upload.URL = "http://minio:9000/outputs"
	want.Upload.Timeout = time.Minute

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile_Defaults(t *testing.T) {
	path := writeFile(t, "comfyjob.hcl", `
defaults {
  steps    = 4
  cfg      = 3.5
  negative = "low quality, ${lower(env.STYLE)}"
  seed     = parseint(env.SEED, 10)
  tags     = ["a", "b"]
}
`)

	s := Default()
	require.NoError(t, LoadFile(context.Background(), path, &s, []string{"SEED=162", "STYLE=BLURRY", "malformed"}))

	assert.Equal(t, map[string]any{
		"steps":    json.Number("4"),
		"cfg":      json.Number("3.5"),
		"negative": "low quality, blurry",
		"seed":     json.Number("162"),
		"tags":     []any{"a", "b"},
	}, s.Defaults)
}

func TestLoadFile_JSONSyntax(t *testing.T) {
	path := writeFile(t, "comfyjob.hcl.json", `{"volume_path": "/data", "backend": {"port": 9000}, "defaults": {"steps": 6}}`)

	s := Default()
	require.NoError(t, LoadFile(context.Background(), path, &s, nil))
	assert.Equal(t, "/data", s.VolumePath)
	assert.Equal(t, 9000, s.Backend.Port)
	assert.Equal(t, map[string]any{"steps": json.Number("6")}, s.Defaults)
}

func TestLoadFile_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `backend {`, "failed to parse HCL file"},
		{"unknown attribute", `colour = "blue"`, "failed to decode HCL file"},
		{"wrong type", `backend { port = "eighty" }`, "failed to decode HCL file"},
		{"bad duration", `client { poll_interval = "soon" }`, "client.poll_interval"},
		{"negative duration", `backend { stop_grace = "-1s" }`, "must not be negative"},
		{"missing env", `defaults { seed = env.NOPE }`, "invalid defaults block"},
		{"nested block in defaults", "defaults {\n  inner {\n  }\n}", "invalid defaults block"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "comfyjob.hcl", tc.content)
			s := Default()
			err := LoadFile(context.Background(), path, &s, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	s := Default()
	err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"), &s, nil)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"COMFY_PORT":                   "8200",
		"USE_CPU":                      "TRUE",
		"COMFYJOB_VOLUME_PATH":         "/runpod-volume",
		"COMFYJOB_LOG_LEVEL":           "DEBUG",
		"COMFYJOB_MAX_CONCURRENT_JOBS": "2",
		"COMFYJOB_COMPLETION_TIMEOUT":  "10m",
		"COMFYJOB_EVENTS_URL":          "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s := Default()
	require.NoError(t, ApplyEnv(&s, lookup))

	assert.Equal(t, 8200, s.Backend.Port)
	assert.True(t, s.Backend.UseCPU)
	assert.Equal(t, "/runpod-volume", s.VolumePath)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 2, s.Server.MaxConcurrentJobs)
	assert.Equal(t, 10*time.Minute, s.Client.CompletionTimeout)
	assert.Empty(t, s.Events.URL)
}

func TestApplyEnv_UseCPUOnlyWhenTrue(t *testing.T) {
	for _, v := range []string{"false", "1", "yes"} {
		s := Default()
		require.NoError(t, ApplyEnv(&s, func(k string) (string, bool) {
			if k == "USE_CPU" {
				return v, true
			}
			return "", false
		}))
		assert.False(t, s.Backend.UseCPU, v)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	s := Default()
	err := ApplyEnv(&s, func(k string) (string, bool) {
		if k == "COMFY_PORT" {
			return "http", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMFY_PORT")
}
