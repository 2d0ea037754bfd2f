package logging

import (
	"context"
	"log"
	"log/slog"
	"strings"
	"sync"
)

// Legacy creates a [log.Logger] that logs to the given [log/slog.Logger].
func Legacy(logger *slog.Logger, level slog.Level) *log.Logger {
	return log.New(&slogWriter{logger: logger, level: level}, "", 0)
}

type slogWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	// partial line
	buffer string
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer += string(p)
	if i := strings.LastIndexByte(w.buffer, '\n'); i != -1 {
		for _, line := range strings.Split(w.buffer[:i], "\n") {
			w.logger.Log(context.Background(), w.level, line)
		}
		w.buffer = w.buffer[i+1:]
	}
	return len(p), nil
}
