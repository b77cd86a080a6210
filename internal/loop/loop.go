// Package loop runs a protocol stack on a single goroutine. It owns the
// stack's timers, feeds it frames from capturers and hands transmitted
// frames to a sink, so the stack itself never needs a lock.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/stack"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// Frame is a received frame on its way to the stack. Data is owned by the
// loop once sent on a capture channel.
type Frame struct {
	Device    device.ID
	Timestamp time.Time
	Data      []byte
}

// Capturer produces received frames. Capture blocks until the input is
// exhausted, which returns nil, or ctx is done. It must not close output.
type Capturer interface {
	Capture(ctx context.Context, output chan<- Frame) error
}

// Sink transmits frames. It is only called from the loop goroutine.
type Sink interface {
	WriteFrame(dev device.ID, frame []byte) error
}

// Discard is a Sink that drops every frame.
var Discard Sink = discard{}

type discard struct{}

func (discard) WriteFrame(device.ID, []byte) error { return nil }

// Engine is what the loop drives, normally a *stack.Stack.
type Engine interface {
	ReceiveFrame(dev device.ID, frame []byte)
	HandleTimeout(id stack.TimerID)
}

// Config contains loop configuration.
type Config struct {
	Clock Clock
	Sink  Sink
	// BufferSize is the capture channel capacity.
	BufferSize int
	// StopWhenDrained ends Run once every capturer has returned, instead of
	// serving timers until the context is cancelled.
	StopWhenDrained bool
}

// Loop is the single owner of a stack. Apart from Do and Stats, its
// methods must only be called before Run or from the loop goroutine, which
// is where the stack calls them.
type Loop struct {
	clock           Clock
	sink            Sink
	bufferSize      int
	stopWhenDrained bool
	capturers       []Capturer
	timers          *timerSet[stack.TimerID]
	calls           chan func()
	done            chan struct{}
	stats           Stats
}

var _ stack.Dispatcher = (*Loop)(nil)

// Stats are the loop counters. They may be read from any goroutine.
type Stats struct {
	Received    atomic.Uint64
	Sent        atomic.Uint64
	SendErrors  atomic.Uint64
	TimersFired atomic.Uint64
}

// New creates a loop.
func New(cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	return &Loop{
		clock:           cfg.Clock,
		sink:            cfg.Sink,
		bufferSize:      cfg.BufferSize,
		stopWhenDrained: cfg.StopWhenDrained,
		timers:          newTimerSet[stack.TimerID](),
		calls:           make(chan func()),
		done:            make(chan struct{}),
	}
}

// AddCapturer registers a frame input. It must be called before Run.
func (l *Loop) AddCapturer(c Capturer) { l.capturers = append(l.capturers, c) }

// SetSink replaces the frame sink. It must be called before Run.
func (l *Loop) SetSink(s Sink) { l.sink = s }

// Stats returns the loop counters.
func (l *Loop) Stats() *Stats { return &l.stats }

// Now implements stack.Dispatcher.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// SendFrame implements stack.Dispatcher.
func (l *Loop) SendFrame(dev device.ID, frame []byte) error {
	if l.sink == nil {
		return fmt.Errorf("device %s: no sink attached", dev)
	}
	if err := l.sink.WriteFrame(dev, frame); err != nil {
		l.stats.SendErrors.Add(1)
		return fmt.Errorf("device %s: write frame: %w", dev, err)
	}
	l.stats.Sent.Add(1)
	return nil
}

// ScheduleTimeout implements stack.Dispatcher. Scheduling a pending id
// replaces its deadline.
func (l *Loop) ScheduleTimeout(deadline time.Time, id stack.TimerID) {
	l.timers.schedule(id, deadline)
	metrics.TimersPending.Set(float64(l.timers.len()))
}

// CancelTimeout implements stack.Dispatcher.
func (l *Loop) CancelTimeout(id stack.TimerID) {
	if l.timers.cancel(id) {
		metrics.TimersPending.Set(float64(l.timers.len()))
	}
}

// Deadline returns the deadline of a pending timer.
func (l *Loop) Deadline(id stack.TimerID) (time.Time, bool) { return l.timers.deadline(id) }

// Do runs fn on the loop goroutine and waits for it to return. It is the
// only safe way to reach the engine while Run is active.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.calls <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Run drives engine until ctx is cancelled, a capturer fails, or, with
// StopWhenDrained, every capturer has finished. Run may be called once.
func (l *Loop) Run(ctx context.Context, engine Engine) error {
	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan Frame, l.bufferSize)

	var captures sync.WaitGroup
	for _, c := range l.capturers {
		captures.Add(1)
		g.Go(func() error {
			defer captures.Done()
			if err := c.Capture(ctx, frames); err != nil && ctx.Err() == nil {
				return fmt.Errorf("capture failed: %w", err)
			}
			return nil
		})
	}
	go func() {
		captures.Wait()
		close(frames)
	}()

	g.Go(func() error {
		defer close(l.done)
		return l.process(ctx, engine, frames)
	})

	slog.Info("loop started", "capturers", len(l.capturers))
	err := g.Wait()
	slog.Info("loop stopped",
		"received", l.stats.Received.Load(),
		"sent", l.stats.Sent.Load(),
		"timers_fired", l.stats.TimersFired.Load())
	return err
}

// process is the main loop. Every engine call happens here.
func (l *Loop) process(ctx context.Context, engine Engine, frames <-chan Frame) error {
	for {
		l.fireExpired(engine)

		var timerC <-chan time.Time
		stop := func() {}
		if next, ok := l.timers.next(); ok {
			timerC, stop = l.clock.At(next)
		}

		select {
		case <-ctx.Done():
			stop()
			return nil

		case f, ok := <-frames:
			stop()
			if !ok {
				if l.stopWhenDrained {
					return nil
				}
				frames = nil
				continue
			}
			l.stats.Received.Add(1)
			engine.ReceiveFrame(f.Device, f.Data)

		case fn := <-l.calls:
			stop()
			fn()

		case <-timerC:
		}
	}
}

// fireExpired hands every due timer to engine, earliest first. A handler
// may schedule new timers, including already-due ones, which fire in the
// same pass.
func (l *Loop) fireExpired(engine Engine) {
	for {
		now := l.clock.Now()
		id, deadline, ok := l.timers.popExpired(now)
		if !ok {
			break
		}
		metrics.TimersPending.Set(float64(l.timers.len()))
		metrics.TimerLatencySeconds.Observe(now.Sub(deadline).Seconds())
		l.stats.TimersFired.Add(1)
		slog.Debug("timer fired", "timer", id, core.LabelDevice, id.Device)
		engine.HandleTimeout(id)
	}
}
