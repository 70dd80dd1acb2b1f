// Package comfy is a client for the backend's HTTP surface: a health probe,
// graph submission and completion polling.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/graph"
)

// Default request settings.
const (
	DefaultClientID      = "runpod_handler"
	DefaultSubmitTimeout = 30 * time.Second
	DefaultStatusTimeout = 10 * time.Second
	DefaultHealthTimeout = 2 * time.Second
	DefaultPollInterval  = 2 * time.Second
)

// maxErrorBody caps how much of a rejected response is kept.
const maxErrorBody = 64 << 10

// Options tune a Client. Zero fields take the defaults above.
type Options struct {
	ClientID      string
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	HealthTimeout time.Duration
	// HTTPClient is shared between requests; nil uses NewHTTPClient().
	HTTPClient *http.Client
}

// Client talks to one backend instance.
type Client struct {
	baseURL *url.URL
	opts    Options
	http    *http.Client
}

// NewHTTPClient returns an http.Client with pooled connections suitable for
// talking to a local backend. Per-request deadlines come from the Client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// New creates a Client for the backend at baseURL, e.g.
// "http://localhost:8188".
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host are required", baseURL)
	}

	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = DefaultStatusTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient()
	}
	return &Client{baseURL: u, opts: opts, http: hc}, nil
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(elem ...string) string {
	return c.baseURL.JoinPath(elem...).String()
}

// Ping reports whether the backend answers GET /system_stats with 200.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("system_stats"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

type submitRequest struct {
	Prompt   *graph.Graph `json:"prompt"`
	ClientID string       `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts g for execution and returns the completion token the backend
// assigned to it.
func (c *Client) Submit(ctx context.Context, g *graph.Graph) (string, error) {
	logger := ctxlog.FromContext(ctx)

	body, err := json.Marshal(submitRequest{Prompt: g, ClientID: c.opts.ClientID})
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("prompt"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out submitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody), Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out.PromptID == "" {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody), Err: ErrNoPromptID}
	}

	logger.Debug("Workflow submitted.", "prompt_id", out.PromptID)
	return out.PromptID, nil
}

// History fetches the history entry of token. The boolean is false while the
// backend has no entry for it yet.
func (c *Client) History(ctx context.Context, token string) (*HistoryEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("history", token), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var history map[string]*HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, fmt.Errorf("failed to decode history: %w", err)
	}
	entry, ok := history[token]
	if !ok {
		return nil, false, nil
	}
	if entry == nil {
		entry = &HistoryEntry{}
	}
	return entry, true, nil
}

// AwaitCompletion polls the history of token every interval until an entry
// appears or ctx ends. Transient failures are logged and retried. An entry
// that reports an execution error is returned together with an
// *ExecutionError.
func (c *Client) AwaitCompletion(ctx context.Context, token string, interval time.Duration) (*HistoryEntry, error) {
	logger := ctxlog.FromContext(ctx).With("prompt_id", token)
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for prompt %s: %w", token, ctx.Err())
		case <-ticker.C:
		}

		entry, ok, err := c.History(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("stopped waiting for prompt %s: %w", token, ctx.Err())
			}
			logger.Debug("History poll failed; retrying.", "attempt", attempt, "error", err)
			continue
		}
		if !ok {
			logger.Debug("Prompt still running.", "attempt", attempt)
			continue
		}

		if execErr := entry.Err(token); execErr != nil {
			return entry, execErr
		}
		logger.Debug("Prompt finished.", "attempt", attempt, "images", len(entry.Images()))
		return entry, nil
	}
}

// ErrNoPromptID is wrapped by a SubmissionError when the backend accepted the
// request but returned no token.
var ErrNoPromptID = errors.New("backend did not return a prompt_id")

// SubmissionError reports a graph the backend did not accept.
type SubmissionError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface for SubmissionError.
func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString("workflow submission failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", strings.TrimSpace(e.Body))
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}
