package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/config"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/schema"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/store"
)

// app is the set of collaborators one command invocation works with.
type app struct {
	cfg    config.Config
	store  *store.Store
	codec  *snapshot.Codec
	engine *replay.Engine
	writer *snapshot.Writer
	logger *slog.Logger
	out    *OutputFormatter
}

// openApp loads configuration, opens the database and builds the engine
// and writer. Flags in opts override environment settings.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	codec, err := snapshot.NewCodec(cfg.Compression)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "snapshot codec", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	logger.Debug("database opened", "path", cfg.DBPath, "compression", cfg.Compression)

	return &app{
		cfg:   cfg,
		store: st,
		codec: codec,
		engine: replay.New(st, st, codec,
			replay.Config{UpdatePolicy: cfg.Policy(), Timeout: cfg.ReplayTimeout},
			replay.WithLogger(logger),
		),
		writer: snapshot.NewWriter(st, st, codec,
			snapshot.WithWorkers(cfg.SnapshotWorkers),
			snapshot.WithLogger(logger),
		),
		logger: logger,
		out:    newFormatter(opts, cmd),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// newLogger writes structured logs to w: debug with --verbose, warnings
// otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newValidator loads the record schemas.
func newValidator() (*schema.Validator, error) {
	v, err := schema.New()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load schemas", err)
	}
	return v, nil
}

// parseInstant accepts RFC 3339 timestamps and calendar dates, which
// mean midnight UTC.
func parseInstant(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, NewExitError(ExitCommandError, fmt.Sprintf("--%s is required", flag))
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, NewExitError(ExitCommandError,
			fmt.Sprintf("invalid --%s %q (want RFC 3339 or YYYY-MM-DD)", flag, s))
	}
	return t, nil
}
