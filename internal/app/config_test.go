package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/comfyjob/internal/config"
)

// testConfig returns a validated configuration rooted in a temp dir with a
// small template workflow.
func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	backendDir := filepath.Join(root, "ComfyUI")
	require.NoError(t, os.MkdirAll(backendDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backendDir, DefaultWorkflowFile), []byte(`{
  "3": {"inputs": {"positive": ["6", 0], "negative": ["7", 0], "seed": 0, "steps": 20}, "class_type": "KSampler"},
  "6": {"inputs": {"text": "a cat"}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "blurry"}, "class_type": "CLIPTextEncode"}
}`), 0o644))

	s := config.Default()
	s.VolumePath = filepath.Join(root, "volume")
	s.Backend.Dir = backendDir
	cfg, err := NewConfig(s)
	require.NoError(t, err)
	return cfg
}

func TestNewConfig_Derived(t *testing.T) {
	s := config.Default()
	s.Backend.Dir = "relative/ComfyUI"

	cfg, err := NewConfig(s)
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "relative/ComfyUI"), cfg.Backend.Dir)
	assert.Equal(t, filepath.Join(wd, "relative/ComfyUI", DefaultWorkflowFile), cfg.WorkflowPath)
	assert.Equal(t, "/workspace", cfg.VolumePath)
}

func TestNewConfig_KeepsExplicitWorkflow(t *testing.T) {
	s := config.Default()
	s.WorkflowPath = "/templates/sdxl.yaml"

	cfg, err := NewConfig(s)
	require.NoError(t, err)
	assert.Equal(t, "/templates/sdxl.yaml", cfg.WorkflowPath)
}

func TestNewConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no volume", func(c *Config) { c.VolumePath = "" }, "VolumePath"},
		{"no command", func(c *Config) { c.Backend.Command = nil }, "command"},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"port", func(c *Config) { c.Backend.Port = 0 }, "backend port"},
		{"port range", func(c *Config) { c.Backend.Port = 65535; c.Server.MaxConcurrentJobs = 2 }, "out of range"},
		{"max jobs", func(c *Config) { c.Server.MaxConcurrentJobs = 0 }, "at least 1"},
		{"healthcheck port", func(c *Config) { c.Server.HealthcheckPort = 70000 }, "healthcheck port"},
		{"poll interval", func(c *Config) { c.Client.PollInterval = 0 }, "poll interval"},
		{"ready interval", func(c *Config) { c.Backend.ReadyInterval = 0 }, "ready interval"},
		{"negative completion timeout", func(c *Config) { c.Client.CompletionTimeout = -time.Minute }, "completion timeout must not be negative"},
		{"negative stop grace", func(c *Config) { c.Backend.StopGrace = -time.Second }, "stop grace"},
		{"upload scheme", func(c *Config) { c.Upload.URL = "s3://bucket/outputs" }, "upload URL"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := config.Default()
			tc.mutate(&s)
			_, err := NewConfig(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
