// Package logging installs the process-wide slog logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"omnillm/internal/config"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init configures slog for the process: console output on stderr, colourised
// when stderr is a terminal, plus an optional rotating file. The returned
// closer flushes and closes the file.
func Init(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	color := term.IsTerminal(int(os.Stderr.Fd()))
	logger, closer, err := New(cfg, os.Stderr, color)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// New builds a logger writing to console and, when configured, to a log file.
func New(cfg config.LoggingConfig, console io.Writer, color bool) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{consoleHandler(cfg.Format, console, color, level)}
	var closer io.Closer = nopCloser{}

	if cfg.File != nil {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			return nil, nil, errors.New("log file path must not be empty")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		writer := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.File.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefault(cfg.File.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefault(cfg.File.MaxAgeDays, defaultMaxAgeDays),
			Compress:   cfg.File.Compress,
		}
		handlers = append(handlers, slog.NewJSONHandler(writer, opts))
		closer = writer
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// ParseLevel maps a configured level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func consoleHandler(format string, out io.Writer, color bool, level slog.Level) slog.Handler {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "text":
		if !color {
			return slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
		}
	}
	return tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !color,
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
