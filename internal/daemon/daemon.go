// Package daemon implements the netcore process lifecycle: it builds a stack
// from configuration, attaches frame I/O and serves metrics until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/netcore/internal/command"
	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	logpkg "firestige.xyz/netcore/internal/log"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/stack"
	"firestige.xyz/netcore/internal/wire"
)

// Options configure a Daemon.
type Options struct {
	ConfigPath string
	PIDFile    string
	// Drain stops the daemon once every capture input is exhausted, which
	// is what a pcap replay usually wants.
	Drain bool
}

// Daemon manages the netcore process lifecycle.
type Daemon struct {
	config *config.GlobalConfig
	opts   Options

	stack         *stack.Stack
	loop          *loop.Loop
	devices       map[string]device.ID
	io            *frameIO
	metricsServer *metrics.Server     // nil if metrics disabled
	udsServer     *command.UDSServer // nil if control disabled

	reloadMu     sync.Mutex
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

var _ command.Controller = (*Daemon)(nil)

// New loads configuration and creates a Daemon.
func New(opts Options) (*Daemon, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &Daemon{config: cfg, opts: opts, shutdownChan: make(chan struct{})}, nil
}

// Start initializes logging, builds the stack and opens frame I/O.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting netcore", "config", d.opts.ConfigPath, "devices", len(d.config.Devices))

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.loop = loop.New(loop.Config{StopWhenDrained: d.opts.Drain})
	s, devices, err := Build(d.config, d.loop)
	if err != nil {
		return fmt.Errorf("failed to build stack: %w", err)
	}
	d.stack, d.devices = s, devices

	dc, dev, err := ioDevice(d.config, devices)
	if err != nil {
		return fmt.Errorf("failed to attach frame io: %w", err)
	}
	fio, err := openIO(d.config.IO, dc, dev)
	if err != nil {
		return fmt.Errorf("failed to attach frame io: %w", err)
	}
	d.io = fio
	for _, c := range fio.capturers {
		d.loop.AddCapturer(c)
	}
	d.loop.SetSink(fio.sink)
	slog.Info("frame io attached", "type", d.config.IO.Type, "device", dc.Name)

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	} else {
		slog.Info("metrics server disabled")
	}

	if d.config.Control.Enabled {
		handler := command.NewCommandHandler(d)
		handler.SetShutdownFunc(d.TriggerShutdown)
		d.udsServer = command.NewUDSServer(d.config.Control.Socket, handler)
	}
	return nil
}

// Run drives the stack until ctx is cancelled, a SIGTERM or SIGINT arrives,
// or, in drain mode, the capture inputs are exhausted. SIGHUP reloads the
// hot-reloadable parts of the configuration.
func (d *Daemon) Run(ctx context.Context) error {
	if d.loop == nil {
		return errors.New("daemon not started")
	}
	defer d.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The loop ending in drain mode ends the daemon.
		defer cancel()
		return d.loop.Run(gctx, d.stack)
	})
	if d.metricsServer != nil {
		g.Go(func() error { return d.metricsServer.Serve(gctx) })
	}
	if d.udsServer != nil {
		g.Go(func() error { return d.udsServer.Serve(gctx) })
	}

	slog.Info("daemon running, waiting for signals")
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			cancel()
		case <-gctx.Done():
		}
		return g.Wait()
	}
}

// Stop releases frame I/O and the PID file. It is called by Run on exit.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")
	if d.io != nil {
		if err := d.io.Close(); err != nil {
			slog.Error("error closing frame io", "error", err)
		}
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
	if d.loop != nil {
		st := d.loop.Stats()
		slog.Info("netcore stopped",
			"received", st.Received.Load(),
			"sent", st.Sent.Load(),
			"send_errors", st.SendErrors.Load())
	}
}

// Reload re-reads the configuration file. Only logging is hot-reloadable;
// devices, protocol timers and frame I/O need a restart.
func (d *Daemon) Reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	slog.Info("reloading configuration", "path", d.opts.ConfigPath)

	newConfig, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	oldLevel, oldFormat := d.config.Log.Level, d.config.Log.Format
	d.config.Log = newConfig.Log
	hotReloaded := []string{}
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if len(newConfig.Devices) != len(d.config.Devices) {
		requiresRestart = append(requiresRestart, "devices")
	}
	if newConfig.IO != d.config.IO {
		requiresRestart = append(requiresRestart, "io")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown makes Run return. It may be called from any goroutine.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Stack returns the running stack.
func (d *Daemon) Stack() *stack.Stack { return d.stack }

// Loop returns the loop driving the stack.
func (d *Daemon) Loop() *loop.Loop { return d.loop }

func (d *Daemon) initLogging() error {
	if _, err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.opts.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.opts.PIDFile, err)
	}

	slog.Debug("PID file written", "path", d.opts.PIDFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}

	if err := os.Remove(d.opts.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.opts.PIDFile, err)
	}

	slog.Debug("PID file removed", "path", d.opts.PIDFile)
	return nil
}

func (d *Daemon) device(name string) (device.ID, error) {
	dev, ok := d.devices[name]
	if !ok {
		return device.ID{}, fmt.Errorf("device %s: %w", name, core.ErrDeviceNotFound)
	}
	return dev, nil
}

// do runs fn against the stack on the loop goroutine.
func (d *Daemon) do(ctx context.Context, name string, fn func(dev device.ID) error) error {
	dev, err := d.device(name)
	if err != nil {
		return err
	}
	var opErr error
	if err := d.loop.Do(ctx, func() { opErr = fn(dev) }); err != nil {
		return err
	}
	return opErr
}

// JoinGroup implements command.Controller.
func (d *Daemon) JoinGroup(ctx context.Context, name string, group netip.Addr) error {
	return d.do(ctx, name, func(dev device.ID) error { return d.stack.JoinGroup(dev, group) })
}

// LeaveGroup implements command.Controller.
func (d *Daemon) LeaveGroup(ctx context.Context, name string, group netip.Addr) error {
	return d.do(ctx, name, func(dev device.ID) error { return d.stack.LeaveGroup(dev, group) })
}

// Groups implements command.Controller.
func (d *Daemon) Groups(ctx context.Context, name string) ([]netip.Addr, error) {
	var groups []netip.Addr
	err := d.do(ctx, name, func(dev device.ID) error {
		groups = d.stack.Groups(dev)
		return nil
	})
	return groups, err
}

// SendEcho implements command.Controller.
func (d *Daemon) SendEcho(ctx context.Context, name string, dst netip.Addr, id, seq uint16, data []byte) error {
	return d.do(ctx, name, func(dev device.ID) error {
		return d.stack.SendEchoRequest(dev, dst, wire.NewIDSeq(id, seq), data)
	})
}

// Status implements command.Controller.
func (d *Daemon) Status() command.Status {
	names := make([]string, 0, len(d.config.Devices))
	for _, dc := range d.config.Devices {
		names = append(names, dc.Name)
	}
	st := d.loop.Stats()
	return command.Status{
		Devices:     names,
		Received:    st.Received.Load(),
		Sent:        st.Sent.Load(),
		SendErrors:  st.SendErrors.Load(),
		TimersFired: st.TimersFired.Load(),
	}
}
