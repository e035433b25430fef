// Package logging builds the process logger from configuration.
//
// Records fan out to a terminal handler and, when configured, a JSON file
// handler. All handlers share one level variable so the level can change
// while the daemon runs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/najoast/nexus/config"
)

// Extra levels beyond slog's four.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelFatal = slog.LevelError + 4
)

// Level maps a configured level onto slog.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelTrace:
		return LevelTrace
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	case config.LogLevelFatal:
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// Logger owns the handlers built for one configuration.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	file  *os.File
}

// New builds a logger writing to the configured terminal stream.
func New(cfg config.LogConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "none":
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}
	return NewWithWriter(cfg, w)
}

// NewWithWriter is New with an explicit terminal writer; a nil writer
// disables the terminal handler.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (*Logger, error) {
	level := new(slog.LevelVar)
	level.Set(Level(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceLevel,
	}

	var handlers []slog.Handler
	if w != nil {
		if cfg.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}

	l := &Logger{level: level}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.File, err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	for k, v := range cfg.Fields {
		logger = logger.With(k, v)
	}
	l.Logger = logger
	return l, nil
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// SetLevel changes the level of every handler.
func (l *Logger) SetLevel(level config.LogLevel) {
	l.level.Set(Level(level))
}

// LevelVar exposes the shared level.
func (l *Logger) LevelVar() *slog.LevelVar {
	return l.level
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
