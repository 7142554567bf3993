// Package logging builds the gateway's structured JSON logger. Output goes
// to stdout, stderr, or a size-rotated file, and the level can be changed at
// runtime.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dskow/service-gateway/internal/config"
)

// ParseLevel converts a config level string to a slog.Level. Unknown or
// empty values map to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Open returns the log destination named by cfg.Output. Closing the
// returned writer is a no-op for stdout and stderr.
func Open(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, fmt.Errorf("opening log output %s: %w", cfg.Output, err)
		}
		return rw, nil
	}
}

// Logger is a JSON slog.Logger whose level can be adjusted while running.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	out   io.WriteCloser
}

// New builds a Logger writing JSON to the destination in cfg.
func New(cfg config.LoggingConfig) (*Logger, error) {
	out, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(out, cfg.Level), nil
}

// NewWithWriter builds a Logger writing JSON to out at the given level.
func NewWithWriter(out io.WriteCloser, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lv})),
		level:  lv,
		out:    out,
	}
}

// SetLevel changes the minimum level of emitted entries.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level reports the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close releases the underlying writer.
func (l *Logger) Close() error {
	return l.out.Close()
}
