package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEventName is the socket.io event job states are emitted as.
const DefaultEventName = "job_state"

// SocketIOConfig configures a SocketIOPublisher.
type SocketIOConfig struct {
	URL                string
	Namespace          string
	EventName          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// SocketIOPublisher emits events to a socket.io server.
type SocketIOPublisher struct {
	io     *socket.Socket
	event  string
	logger *slog.Logger
}

// DialSocketIO connects to the configured server and waits for the
// connection to be established.
func DialSocketIO(ctx context.Context, cfg SocketIOConfig) (*SocketIOPublisher, error) {
	logger := ctxlog.FromContext(ctx).With("publisher", "socketio", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid socket.io URL %q", cfg.URL)
	}
	if cfg.EventName == "" {
		cfg.EventName = DefaultEventName
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connected := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to event sink.", "sid", io.Id())
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})

	logger.Debug("Connecting to event sink...")
	io.Connect()

	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIOPublisher{io: io, event: cfg.EventName, logger: logger}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", cfg.ConnectTimeout)
	}
}

// Publish implements Publisher. Events raised while disconnected are dropped.
func (p *SocketIOPublisher) Publish(ctx context.Context, e Event) {
	if !p.io.Connected() {
		p.logger.Debug("Event sink disconnected; dropping event.", "job_id", e.JobID, "state", e.State)
		return
	}
	p.io.Emit(p.event, e.Payload())
}

// Close disconnects from the server.
func (p *SocketIOPublisher) Close() error {
	p.logger.Info("Disconnecting from event sink.", "sid", p.io.Id())
	p.io.Disconnect()
	return nil
}
