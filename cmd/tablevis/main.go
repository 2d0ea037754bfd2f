package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/tablevis/internal/dashboard"
	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/logging"
	"github.com/bdougie/tablevis/internal/server"
	"github.com/bdougie/tablevis/internal/storage"
	"github.com/bdougie/tablevis/internal/table"
)

// CLI is the command line and configuration file of tablevis.
type CLI struct {
	Version kong.VersionFlag `help:"Print the version and exit."`
	Config  kong.ConfigFlag  `help:"Load configuration from a TOML file." placeholder:"FILE"`

	DataDir    string  `help:"Directory of per-frame tables to open on start." type:"path" placeholder:"DIR" env:"TABLEVIS_DATA_DIR"`
	Bind       string  `help:"The address to bind the server to." default:"127.0.0.1:8080" env:"TABLEVIS_BIND"`
	BrowseRoot string  `help:"Confine the file browser to this directory." type:"path" placeholder:"DIR" env:"TABLEVIS_BROWSE_ROOT"`
	Pattern    string  `help:"Glob selecting frame files." default:"*.csv" env:"TABLEVIS_PATTERN"`
	Delimiter  string  `help:"Field delimiter of the tables, \\t for tabs." default:"," env:"TABLEVIS_DELIMITER"`
	Encoding   string  `help:"Character encoding of the tables." enum:"latin-1,utf-8" default:"latin-1" env:"TABLEVIS_ENCODING"`
	MinSize    float64 `help:"Smallest symbol diameter in pixels." default:"5" env:"TABLEVIS_MIN_SIZE"`
	MaxSize    float64 `help:"Largest symbol diameter in pixels." default:"30" env:"TABLEVIS_MAX_SIZE"`
	Palette    string  `help:"Color ramp for the color column." enum:"viridis,greys,inferno,coolwarm" default:"viridis" env:"TABLEVIS_PALETTE"`
	Store      string  `help:"Where view state and summaries are kept: file://DIR, sqlite://PATH, mysql://DSN or postgres://URL." default:"file://~/.tablevis" env:"TABLEVIS_STORE"`
	Workers    int     `help:"Concurrent table readers." default:"4" env:"TABLEVIS_WORKERS"`
	Watch      bool    `help:"Reload frames when the data directory changes." default:"true" negatable:"" env:"TABLEVIS_WATCH"`

	Logging logging.Config `embed:"" prefix:"log-"`
}

// Validate is called by kong after parsing.
func (c *CLI) Validate() error {
	if _, err := c.delimiter(); err != nil {
		return err
	}
	if c.MinSize <= 0 || c.MaxSize < c.MinSize {
		return errors.Errorf("invalid symbol size range [%g, %g]", c.MinSize, c.MaxSize)
	}
	return nil
}

func (c *CLI) delimiter() (rune, error) {
	if c.Delimiter == `\t` {
		return '\t', nil
	}
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return 0, errors.Errorf("delimiter must be a single character, got %q", c.Delimiter)
	}
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r, nil
}

func (c *CLI) serverOptions() server.Options {
	delimiter, _ := c.delimiter()
	return server.Options{
		Dashboard: dashboard.Options{
			DataDir: c.DataDir,
			Frames: frames.Options{
				Pattern: c.Pattern,
				Table:   table.Options{Delimiter: delimiter, Encoding: c.Encoding},
				Workers: c.Workers,
			},
			Palette: c.Palette,
			MinSize: c.MinSize,
			MaxSize: c.MaxSize,
		},
		BrowseRoot: c.BrowseRoot,
		Watch:      c.Watch,
		Workers:    c.Workers,
	}
}

func main() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
	}
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Description("Interactive scatter plots of time-lapse cell-tracking tables."),
		kong.Vars{"version": version},
		kong.Configuration(kongtoml.Loader, "~/.config/tablevis/config.toml"),
	)
	logger := logging.New(os.Stderr, cli.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, &cli)
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, logger *slog.Logger, cli *CLI) error {
	store, err := storage.Open(ctx, logger, cli.Store)
	if err != nil {
		return errors.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()

	srv, err := server.New(logger, store, cli.serverOptions())
	if err != nil {
		return err
	}
	defer srv.Close()

	wg, ctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              cli.Bind,
		Handler:           srv.Handler(),
		BaseContext:       func(l net.Listener) context.Context { return ctx },
		ReadTimeout:       time.Second * 10,
		WriteTimeout:      time.Second * 10,
		ReadHeaderTimeout: time.Second * 5,
		ErrorLog:          logging.Legacy(logger, slog.LevelError),
	}

	wg.Go(func() error {
		logger.Info("Serving dashboards", "url", "http://"+cli.Bind, "dir", cli.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Errorf("server failed: %w", err)
		}
		return nil
	})
	wg.Go(func() error { return srv.Run(ctx) })
	wg.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.WithStack(httpServer.Shutdown(shutdownCtx))
	})
	return wg.Wait()
}
