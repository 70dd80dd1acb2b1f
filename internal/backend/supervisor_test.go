package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/comfyjob/internal/ctxlog"
)

// TestHelperProcess is not a real test. It stands in for the backend when
// re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "serve":
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		fmt.Println("Starting server")
		fmt.Fprintln(os.Stderr, "warming up")
		<-sig
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring termination")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	}
	os.Exit(0)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func helperConfig(mode string) Config {
	return Config{
		Command:       []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"},
		Env:           []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		ListenAddr:    "127.0.0.1",
		Port:          8188,
		OutputDir:     os.TempDir(),
		TempDir:       os.TempDir(),
		StopGrace:     5 * time.Second,
		ReadyInterval: 10 * time.Millisecond,
	}
}

func testContext() (context.Context, *syncBuffer) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger), buf
}

var failingProber = ProberFunc(func(context.Context) error {
	return errors.New("connection refused")
})

func TestConfig_Args(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "gpu",
			cfg: Config{
				Command: []string{"python", "main.py"}, ListenAddr: "0.0.0.0", Port: 8188,
				OutputDir: "/workspace/comfyui/output/job-1", TempDir: "/workspace/comfyui/temp",
			},
			want: []string{
				"python", "main.py", "--listen", "0.0.0.0", "--port", "8188",
				"--output-directory", "/workspace/comfyui/output/job-1", "--temp-directory", "/workspace/comfyui/temp",
			},
		},
		{
			name: "cpu",
			cfg: Config{
				Command: []string{"comfyui"}, ListenAddr: "127.0.0.1", Port: 9000,
				OutputDir: "/out", TempDir: "/tmp", UseCPU: true,
			},
			want: []string{
				"comfyui", "--listen", "127.0.0.1", "--port", "9000",
				"--output-directory", "/out", "--temp-directory", "/tmp", "--cpu",
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.Args())
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{}, nil)
	assert.Equal(t, DefaultStopGrace, s.Config().StopGrace)
	assert.Equal(t, DefaultReadyInterval, s.Config().ReadyInterval)
}

func TestStart_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		command []string
	}{
		{"no command", nil},
		{"missing binary", []string{"/nonexistent/comfyui-binary"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testContext()
			cfg := helperConfig("serve")
			cfg.Command = tc.command

			p, err := New(cfg, failingProber).Start(ctx)
			require.Error(t, err)
			assert.Nil(t, p)

			var startErr *StartError
			require.ErrorAs(t, err, &startErr)
			assert.Equal(t, 8188, startErr.Port)
		})
	}
}

func TestProcess_ReadyThenStop(t *testing.T) {
	ctx, logs := testContext()

	var probes atomic.Int32
	prober := ProberFunc(func(context.Context) error {
		if probes.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	p, err := New(helperConfig("serve"), prober).Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	assert.True(t, p.WaitReady(ctx, 10*time.Second))
	assert.GreaterOrEqual(t, probes.Load(), int32(3))

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("Starting server"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	select {
	case <-p.Exited():
	default:
		t.Fatal("backend still running after Stop")
	}

	// Stop is idempotent.
	require.NoError(t, p.Stop())

	out := logs.String()
	assert.Contains(t, out, "stream=stdout")
	assert.Contains(t, out, "stream=stderr")
	assert.Contains(t, out, "warming up")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("Stopping backend.")))
}

func TestWaitReady_Timeout(t *testing.T) {
	ctx, _ := testContext()

	p, err := New(helperConfig("serve"), failingProber).Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	start := time.Now()
	assert.False(t, p.WaitReady(ctx, 100*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	ctx, _ := testContext()

	p, err := New(helperConfig("serve"), failingProber).Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, p.WaitReady(cancelled, time.Minute))
}

func TestWaitReady_ChildExits(t *testing.T) {
	ctx, logs := testContext()

	p, err := New(helperConfig("crash"), failingProber).Start(ctx)
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, p.WaitReady(ctx, time.Minute))
	assert.Less(t, time.Since(start), 30*time.Second)

	<-p.Exited()
	assert.Error(t, p.ExitErr())
	require.NoError(t, p.Stop())
	assert.Contains(t, logs.String(), "boom")
}

func TestStop_KillsAfterGrace(t *testing.T) {
	ctx, logs := testContext()
	cfg := helperConfig("stubborn")
	cfg.StopGrace = 200 * time.Millisecond

	p, err := New(cfg, failingProber).Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("ignoring termination"))
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	<-p.Exited()
	assert.Contains(t, logs.String(), "killing it")
}

func TestWaitReady_NoProber(t *testing.T) {
	ctx, _ := testContext()

	p, err := New(helperConfig("serve"), nil).Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	assert.True(t, p.WaitReady(ctx, time.Second))
}

func TestLineLogger(t *testing.T) {
	var buf bytes.Buffer
	w := newLineLogger(slog.New(slog.NewTextHandler(&buf, nil)), "stdout")

	_, err := w.Write([]byte("hel"))
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = w.Write([]byte("lo\r\n\nworld"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "line=hello")
	assert.NotContains(t, buf.String(), "world")

	w.Flush()
	assert.Contains(t, buf.String(), "line=world")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("Backend output.")))
}
