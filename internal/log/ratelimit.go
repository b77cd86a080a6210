package log

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited writes through a token bucket so a flood of malformed input
// cannot flood the log. Records that were refused are counted and the
// count is attached to the next record that gets through.
type Limited struct {
	logger     *slog.Logger
	bucket     *rate.Limiter
	suppressed atomic.Int64
	attrs      []any
	now        func() time.Time
}

// NewLimited allows burst records at once and one more every interval.
// A nil logger resolves to slog.Default at each call, so a later Init
// takes effect.
func NewLimited(logger *slog.Logger, every time.Duration, burst int) *Limited {
	return &Limited{
		logger: logger,
		bucket: rate.NewLimiter(rate.Every(every), burst),
		now:    time.Now,
	}
}

// Debug logs at debug level if the bucket allows it.
func (l *Limited) Debug(msg string, args ...any) {
	l.Log(context.Background(), slog.LevelDebug, msg, args...)
}

// Warn logs at warn level if the bucket allows it.
func (l *Limited) Warn(msg string, args ...any) {
	l.Log(context.Background(), slog.LevelWarn, msg, args...)
}

// Log emits one record. Records below the handler's level never consume
// a token.
func (l *Limited) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	if !l.bucket.AllowN(l.now(), 1) {
		l.suppressed.Add(1)
		return
	}
	args = append(args, l.attrs...)
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	logger.Log(ctx, level, msg, args...)
}

// Suppressed reports how many records are waiting to be accounted for.
func (l *Limited) Suppressed() int64 {
	return l.suppressed.Load()
}
