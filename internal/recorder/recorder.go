// Package recorder accumulates the field layout of one buffer at a time and
// hands it to a sink when the buffer's lifecycle ends.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/metrics"
	"firestige.xyz/fieldtrace/internal/schema"
	"firestige.xyz/fieldtrace/internal/sink"
)

// BufferHandle gives read access to the bytes of the buffer being traced.
// The recorder never owns the memory behind it.
type BufferHandle interface {
	Bytes() []byte
}

// Bytes is a BufferHandle over a plain slice.
type Bytes []byte

func (b Bytes) Bytes() []byte { return b }

// Stats are cumulative counters for one recorder.
type Stats struct {
	Direction     core.Direction `json:"direction" yaml:"direction"`
	Fields        uint64         `json:"fields" yaml:"fields"`
	Gaps          uint64         `json:"gaps" yaml:"gaps"`
	OutOfOrder    uint64         `json:"out_of_order" yaml:"out_of_order"`
	Flushed       uint64         `json:"flushed" yaml:"flushed"`
	Aborted       uint64         `json:"aborted" yaml:"aborted"`
	PersistErrors uint64         `json:"persist_errors" yaml:"persist_errors"`
	InProgress    int            `json:"in_progress" yaml:"in_progress"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRawData controls whether flushed records carry the buffer payload.
func WithRawData(enabled bool) Option {
	return func(r *Recorder) { r.rawData = enabled }
}

// WithHeaderOffset overrides the number of leading buffer bytes that are not
// part of the payload.
func WithHeaderOffset(n int) Option {
	return func(r *Recorder) {
		if n >= 0 {
			r.headerOffset = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// Recorder builds the trace of the buffer currently in flight for one
// direction. Every method holds mu for its whole duration.
type Recorder struct {
	dir          core.Direction
	sink         sink.Sink
	rawData      bool
	headerOffset int
	logger       *slog.Logger

	mu         sync.Mutex
	current    schema.PacketTrace
	handle     BufferHandle
	lengthHint *int
	stats      Stats
}

// New creates a recorder for dir that flushes into s.
func New(dir core.Direction, s sink.Sink, opts ...Option) *Recorder {
	r := &Recorder{
		dir:          dir,
		sink:         s,
		headerOffset: dir.HeaderOffset(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder", "direction", dir)
	r.stats.Direction = dir
	return r
}

// Direction returns the direction this recorder traces.
func (r *Recorder) Direction() core.Direction { return r.dir }

// SetBufferReference remembers where the buffer's bytes live. Nothing is
// copied until the trace is flushed. lengthHint, when set, is the payload
// length after the header.
func (r *Recorder) SetBufferReference(h BufferHandle, lengthHint *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handle = h
	if lengthHint != nil {
		n := *lengthHint
		r.lengthHint = &n
	} else {
		r.lengthHint = nil
	}
}

// AddField appends one observed field to the current trace. An invalid kind
// is logged and dropped. Other anomalies are logged and counted; the field is
// kept.
func (r *Recorder) AddField(offset uint64, kind core.FieldKind, site core.CallSiteID) {
	if err := kind.Validate(); err != nil {
		r.logger.Warn("dropping field with invalid kind", "offset", offset, "site", site, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.current.Fields)
	err := r.current.Append(offset, kind, site)

	added := uint64(len(r.current.Fields) - before)
	r.stats.Fields++
	metrics.FieldsTotal.WithLabelValues(string(r.dir), metrics.OriginObserved).Inc()
	if added > 1 {
		r.stats.Gaps++
		metrics.FieldsTotal.WithLabelValues(string(r.dir), metrics.OriginGap).Inc()
	}

	switch {
	case err == nil:
	case errors.Is(err, core.ErrOutOfOrderOffset):
		r.stats.OutOfOrder++
		metrics.OutOfOrderTotal.WithLabelValues(string(r.dir)).Inc()
		r.logger.Warn("field offset went backwards", "offset", offset, "kind", kind, "site", site, "error", err)
	default:
		r.logger.Warn("field appended with anomaly", "offset", offset, "kind", kind, "site", site, "error", err)
	}
}

// Finish closes the current trace at site and persists it.
//
// Bytes between the last observed field and the end of the buffer are not
// represented: no trailing gap is added.
func (r *Recorder) Finish(site core.CallSiteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current.TerminatingSite = &site
	return r.flushLocked(metrics.OutcomeComplete)
}

// FinishAborted persists the partial trace of a failed operation, tagged
// with the site that gave up.
func (r *Recorder) FinishAborted(site core.CallSiteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current.AbortedSite = &site
	return r.flushLocked(metrics.OutcomeAborted)
}

func (r *Recorder) flushLocked(outcome string) error {
	trace := r.current.Clone()
	raw := r.payloadLocked()

	r.current.Reset()
	r.handle = nil
	r.lengthHint = nil

	if outcome == metrics.OutcomeAborted {
		r.stats.Aborted++
	} else {
		r.stats.Flushed++
	}
	metrics.TracesFlushedTotal.WithLabelValues(string(r.dir), outcome).Inc()

	if err := r.sink.Write(trace, raw); err != nil {
		r.stats.PersistErrors++
		metrics.PersistErrorsTotal.WithLabelValues(string(r.dir)).Inc()
		r.logger.Error("failed to persist trace", "fields", len(trace.Fields), "error", err)
		return fmt.Errorf("%w: %s trace: %w", core.ErrPersistence, r.dir, err)
	}
	if len(raw) > 0 {
		metrics.RawBytesTotal.WithLabelValues(string(r.dir)).Add(float64(len(raw)))
	}

	r.logger.Debug("trace flushed", "outcome", outcome, "fields", len(trace.Fields), "data_len", len(raw))
	return nil
}

// payloadLocked copies buf[hdr:hdr+n] out of the bound buffer.
func (r *Recorder) payloadLocked() []byte {
	if !r.rawData || r.handle == nil {
		return nil
	}
	buf := r.handle.Bytes()
	if len(buf) <= r.headerOffset {
		return nil
	}

	end := len(buf)
	if r.lengthHint != nil && *r.lengthHint >= 0 {
		if hinted := r.headerOffset + *r.lengthHint; hinted < end {
			end = hinted
		}
	}
	if end <= r.headerOffset {
		return nil
	}

	out := make([]byte, end-r.headerOffset)
	copy(out, buf[r.headerOffset:end])
	return out
}

// Snapshot returns a copy of the trace in progress.
func (r *Recorder) Snapshot() schema.PacketTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Stats returns the recorder's counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.InProgress = len(r.current.Fields)
	return s
}
