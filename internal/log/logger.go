// Package log sets up the process logger and the rate limits applied to
// per-frame diagnostics.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/netcore/internal/config"
)

// Service is attached to every record written by the process logger.
const Service = "netcore"

// mu guards the package state below.
var mu sync.Mutex

var (
	// rotator is the open log file, closed when Init replaces it.
	rotator *lumberjack.Logger
	stdout  io.Writer = os.Stdout

	dropEvery = 5 * time.Second
	dropBurst = 10
)

// Init builds the process logger from cfg, installs it as the slog default
// and returns it. It may be called again on reload: the previous log file is
// closed and drop loggers created afterwards use the new rate.
func Init(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	out := stdout
	var file *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		if file, err = newRotator(cfg.Outputs.File); err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
		out = io.MultiWriter(stdout, file)
	}

	handler, err := newHandler(cfg.Format, out, level)
	if err != nil {
		return nil, err
	}

	if rotator != nil {
		_ = rotator.Close()
	}
	rotator = file
	if cfg.Drops.Interval > 0 && cfg.Drops.Burst > 0 {
		dropEvery, dropBurst = cfg.Drops.Interval, cfg.Drops.Burst
	}

	logger := slog.New(handler).With("service", Service)
	slog.SetDefault(logger)
	return logger, nil
}

// NewDropLogger returns a Limited for component using the drop rate of the
// last Init. Records go to the default logger at the time they are written.
func NewDropLogger(component string) *Limited {
	mu.Lock()
	every, burst := dropEvery, dropBurst
	mu.Unlock()
	l := NewLimited(nil, every, burst)
	l.attrs = []any{"component", component}
	return l
}

// ParseLevel accepts the slog level names in any case, plus "warning".
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if s == "" {
		return level, fmt.Errorf("empty level")
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, err
	}
	return level, nil
}

func newHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

func newRotator(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires a path")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
