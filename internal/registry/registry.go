// Package registry owns the two per-direction recorders of a process.
//
// A Registry is built once at startup and handed to whoever needs a
// recorder. Recorders are created lazily on first use and live until Close.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/fieldtrace/internal/config"
	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/recorder"
	"firestige.xyz/fieldtrace/internal/sink"
	"firestige.xyz/fieldtrace/internal/sink/console"
)

// SinkFactory opens the sink for one direction.
type SinkFactory func(dir core.Direction, cfg config.DirectionConfig) (sink.Sink, error)

// stdout receives records of directions configured with config.StdoutPath.
var stdout io.Writer = os.Stdout

// FileSinkFactory opens a sink.FileSink at the configured path, or a console
// sink when the path is config.StdoutPath.
func FileSinkFactory(dir core.Direction, cfg config.DirectionConfig) (sink.Sink, error) {
	if cfg.Path == config.StdoutPath {
		return console.NewSink(dir, stdout), nil
	}
	return sink.Open(dir, sink.FileOptions{
		Path: cfg.Path,
		Rotation: sink.RotationOptions{
			MaxSizeMB:  cfg.Rotation.MaxSizeMB,
			MaxAgeDays: cfg.Rotation.MaxAgeDays,
			MaxBackups: cfg.Rotation.MaxBackups,
			Compress:   cfg.Rotation.Compress,
		},
	})
}

// MemorySinkFactory keeps records in memory.
func MemorySinkFactory(dir core.Direction, _ config.DirectionConfig) (sink.Sink, error) {
	return sink.NewMemory(dir), nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithSinkFactory replaces the default file sink.
func WithSinkFactory(f SinkFactory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithLogger sets the logger handed to recorders.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

type slot struct {
	once  sync.Once
	rec   *recorder.Recorder
	sink  sink.Sink
	err   error
	built atomic.Pointer[recorder.Recorder]
}

// Registry holds the outbound and inbound recorders.
type Registry struct {
	cfg     config.TracingConfig
	factory SinkFactory
	logger  *slog.Logger

	outbound slot
	inbound  slot

	closeOnce sync.Once
	closeErr  error
}

// New creates a registry. No file is touched until a recorder is requested.
func New(cfg config.TracingConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg,
		factory: FileSinkFactory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Outbound returns the recorder for buffers being sent.
func (r *Registry) Outbound() (*recorder.Recorder, error) {
	return r.For(core.Outbound)
}

// Inbound returns the recorder for buffers being received.
func (r *Registry) Inbound() (*recorder.Recorder, error) {
	return r.For(core.Inbound)
}

// For returns the recorder for dir, creating it on first call.
// A failed initialization is remembered and returned on every later call.
func (r *Registry) For(dir core.Direction) (*recorder.Recorder, error) {
	s := r.slot(dir)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownDirection, string(dir))
	}

	s.once.Do(func() {
		dc := r.cfg.For(dir)
		out, err := r.factory(dir, dc)
		if err != nil {
			s.err = fmt.Errorf("%w: %s: %w", core.ErrRecorderUnavailable, dir, err)
			r.logger.Error("failed to initialize recorder", "direction", dir, "path", dc.Path, "error", err)
			return
		}
		s.sink = out
		s.rec = recorder.New(dir, out,
			recorder.WithRawData(dc.IncludeRawData),
			recorder.WithLogger(r.logger),
		)
		s.built.Store(s.rec)
		r.logger.Info("recorder initialized", "direction", dir, "path", dc.Path, "include_raw_data", dc.IncludeRawData)
	})
	return s.rec, s.err
}

// Stats returns the counters of every recorder built so far.
func (r *Registry) Stats() []recorder.Stats {
	var out []recorder.Stats
	for _, dir := range core.Directions {
		if rec := r.slot(dir).built.Load(); rec != nil {
			out = append(out, rec.Stats())
		}
	}
	return out
}

// Close closes the sinks that were opened. Recorders must not be used after.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		for _, dir := range core.Directions {
			s := r.slot(dir)
			// Block later initialization so no sink is opened after Close.
			s.once.Do(func() { s.err = fmt.Errorf("%w: %s: registry closed", core.ErrRecorderUnavailable, dir) })
			if s.sink == nil {
				continue
			}
			if err := s.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s sink: %w", dir, err))
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Registry) slot(dir core.Direction) *slot {
	switch dir {
	case core.Outbound:
		return &r.outbound
	case core.Inbound:
		return &r.inbound
	default:
		return nil
	}
}
