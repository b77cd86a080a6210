package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func TestLimitedBurst(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelDebug)
	now := time.Unix(1000, 0)
	l := NewLimited(logger, time.Minute, 2)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.Debug("frame dropped", "reason", "short")
	}

	assert.Equal(t, 2, strings.Count(buf.String(), "frame dropped"))
	assert.Equal(t, int64(3), l.Suppressed())
}

func TestLimitedReportsSuppressed(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelDebug)
	now := time.Unix(1000, 0)
	l := NewLimited(logger, time.Minute, 1)
	l.now = func() time.Time { return now }

	l.Debug("first")
	l.Debug("second")
	l.Debug("third")
	assert.NotContains(t, buf.String(), "suppressed")

	now = now.Add(time.Minute)
	l.Debug("fourth")

	assert.Contains(t, buf.String(), "msg=fourth suppressed=2")
	assert.Equal(t, int64(0), l.Suppressed())
}

func TestLimitedBelowLevelKeepsTokens(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)
	now := time.Unix(1000, 0)
	l := NewLimited(logger, time.Minute, 1)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		l.Debug("hidden")
	}
	l.Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, int64(0), l.Suppressed())
}
