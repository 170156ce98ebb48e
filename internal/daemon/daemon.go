// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/fieldtrace/internal/command"
	"firestige.xyz/fieldtrace/internal/config"
	"firestige.xyz/fieldtrace/internal/core"
	logpkg "firestige.xyz/fieldtrace/internal/log"
	"firestige.xyz/fieldtrace/internal/metrics"
	"firestige.xyz/fieldtrace/internal/observer"
	"firestige.xyz/fieldtrace/internal/registry"
)

// Daemon manages the fieldtrace daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	registry      *registry.Registry
	observer      *observer.Observer
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled
	pidLock       *pidLock

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	udsDone      chan struct{}
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Non-empty socketPath and pidFile
// override the configured ones.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
		udsDone:      make(chan struct{}),
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting fieldtrace daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write and lock PID file
	if d.pidFile != "" {
		lock, err := acquirePIDFile(d.pidFile)
		if err != nil {
			return err
		}
		d.pidLock = lock
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.releasePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Recorders are built lazily on the first event of each direction.
	d.registry = registry.New(d.config.Tracing)
	d.observer = observer.New(d.registry, slog.Default())

	// 5. Create command handler
	d.cmdHandler = command.NewCommandHandler(d.observer, d.registry)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 6. Start UDS server
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler, d.config.Control.MaxConnections)
	errCh := make(chan error, 1)
	go func() {
		defer close(d.udsDone)
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-d.udsServer.Ready():
	case err := <-errCh:
		d.stopMetrics()
		d.releasePIDFile()
		return fmt.Errorf("failed to start uds server: %w", err)
	}

	for _, dir := range core.Directions {
		dc := d.config.Tracing.For(dir)
		slog.Info("tracing configured", "direction", dir, "path", dc.Path, "include_raw_data", dc.IncludeRawData)
	}
	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop UDS server (no new events)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 2. Close trace sinks. A trace still in progress has no completion
	// event and is dropped.
	if d.registry != nil {
		for _, st := range d.registry.Stats() {
			if st.InProgress > 0 {
				slog.Warn("discarding unfinished trace", "direction", st.Direction, "fields", st.InProgress)
			}
		}
		if err := d.registry.Close(); err != nil {
			slog.Error("error closing trace sinks", "error", err)
		}
	}

	// 3. Stop metrics server
	d.stopMetrics()

	// 4. Cancel context to signal all goroutines
	d.cancel()
	if d.udsServer != nil {
		<-d.udsDone
	}

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	d.releasePIDFile()

	slog.Info("daemon stopped gracefully")

	// 7. Release log file
	if err := logpkg.Close(); err != nil {
		slog.Error("error closing log file", "error", err)
	}
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the config file.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): tracing outputs, control socket, metrics listener.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}

	oldLog := d.config.Log
	logpkg.SetConsole(consoleFor(d.config.Tracing))
	if err := logpkg.Init(newConfig.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		newConfig.Log = oldLog
	} else if newConfig.Log != oldLog {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Tracing != d.config.Tracing {
		requiresRestart = append(requiresRestart, "tracing")
	}
	if newConfig.Control != d.config.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	// Keep the running values of cold settings so status reflects reality.
	newConfig.Tracing = d.config.Tracing
	newConfig.Control = d.config.Control
	newConfig.Metrics = d.config.Metrics
	d.config = newConfig

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// Shutdown already requested
	}
}

// Registry returns the recorder registry. Nil before Start.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	return d.config
}

func (d *Daemon) initLogging() error {
	console := consoleFor(d.config.Tracing)
	logpkg.SetConsole(console)
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
		"stderr", console == os.Stderr,
	)
	return nil
}

// consoleFor keeps stdout free for trace records when a direction prints them.
func consoleFor(tc config.TracingConfig) io.Writer {
	if tc.UsesStdout() {
		return os.Stderr
	}
	return os.Stdout
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

func (d *Daemon) stopMetrics() {
	if d.metricsServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping metrics server", "error", err)
	}
	d.metricsServer = nil
}

func (d *Daemon) releasePIDFile() {
	if err := d.pidLock.release(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
	d.pidLock = nil
}
