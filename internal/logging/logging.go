// Package logging configures the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

type Config struct {
	Level slog.Level `help:"The default logging level." default:"info" env:"TABLEVIS_LOG_LEVEL"`
	JSON  bool       `help:"Enable JSON logging." env:"TABLEVIS_LOG_JSON"`
}

// New returns a logger writing to w, coloured for terminals unless JSON is set.
func New(w io.Writer, config Config) *slog.Logger {
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: config.Level,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      config.Level,
			TimeFormat: "15:04:05",
			NoColor:    !isTerminal(w),
		})
	}
	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
