package backend

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// lineLogger is an io.Writer that logs each complete line written to it.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

// Write implements io.Writer. It never fails.
func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	w.logger.Info("Backend output.", "stream", w.stream, "line", text)
}
