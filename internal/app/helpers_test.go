package app

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/vk/comfyjob/internal/graph"
	"github.com/vk/comfyjob/internal/job"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// fakeRunner stands in for the job handler. Handle blocks on release when
// it is set.
type fakeRunner struct {
	release chan struct{}
	result  func(j job.Job) job.Result

	mu      sync.Mutex
	running int
	peak    int
	seen    []job.Job
}

func (f *fakeRunner) Handle(ctx context.Context, j job.Job) job.Result {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.seen = append(f.seen, j)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return job.Result{JobID: j.ID, Error: ctx.Err().Error()}
		}
	}
	if f.result != nil {
		return f.result(j)
	}
	return job.Result{JobID: j.ID, OutputImages: []string{"/workspace/comfyui/output/" + j.ID + "/a.png"}}
}

func (f *fakeRunner) Preview(context.Context, map[string]any) (*graph.Graph, error) {
	return graph.Decode(strings.NewReader(`{"1": {"inputs": {"text": "preview"}, "class_type": "CLIPTextEncode"}}`))
}

func (f *fakeRunner) jobs() []job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Job(nil), f.seen...)
}

func (f *fakeRunner) peakRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}
