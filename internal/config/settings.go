package config

import "time"

// Settings is the fully resolved configuration of the handler.
type Settings struct {
	// VolumePath is the durable volume holding models and outputs.
	VolumePath string
	// WorkflowPath is the template graph. Empty means
	// <Backend.Dir>/workflow_api.json.
	WorkflowPath string

	LogLevel  string
	LogFormat string

	Backend BackendSettings
	Client  ClientSettings
	Server  ServerSettings
	Events  EventsSettings
	Upload  UploadSettings

	// Defaults are merged under every job's input.
	Defaults map[string]any
}

// BackendSettings describe how the backend process is launched.
type BackendSettings struct {
	Dir           string
	Command       []string
	Listen        string
	Port          int
	UseCPU        bool
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	StopGrace     time.Duration
}

// ClientSettings tune requests to the backend.
type ClientSettings struct {
	ClientID      string
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	HealthTimeout time.Duration
	PollInterval  time.Duration
	// CompletionTimeout bounds the wait for a submitted workflow; zero
	// disables the bound.
	CompletionTimeout time.Duration
}

// ServerSettings configure serve mode.
type ServerSettings struct {
	Listen            string
	HealthcheckPort   int
	MaxConcurrentJobs int
}

// EventsSettings configure the socket.io event sink. An empty URL disables
// it.
type EventsSettings struct {
	URL                string
	Namespace          string
	EventName          string
	InsecureSkipVerify bool
}

// UploadSettings configure copying images to object storage. An empty URL
// disables it.
type UploadSettings struct {
	URL     string
	Timeout time.Duration
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		VolumePath: "/workspace",
		LogLevel:   "info",
		LogFormat:  "json",
		Backend: BackendSettings{
			Dir:           ".",
			Command:       []string{"python", "main.py"},
			Listen:        "0.0.0.0",
			Port:          8188,
			ReadyTimeout:  180 * time.Second,
			ReadyInterval: 2 * time.Second,
			StopGrace:     10 * time.Second,
		},
		Client: ClientSettings{
			ClientID:          "runpod_handler",
			SubmitTimeout:     30 * time.Second,
			StatusTimeout:     10 * time.Second,
			HealthTimeout:     2 * time.Second,
			PollInterval:      2 * time.Second,
			CompletionTimeout: 30 * time.Minute,
		},
		Server: ServerSettings{
			Listen:            ":8000",
			MaxConcurrentJobs: 1,
		},
		Events: EventsSettings{
			Namespace: "/",
			EventName: "job_state",
		},
		Upload: UploadSettings{
			Timeout: 5 * time.Minute,
		},
	}
}
