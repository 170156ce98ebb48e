// Package observer is the boundary between an instrumentation layer that
// sees individual field reads and writes and the per-direction recorders.
package observer

import (
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/metrics"
	"firestige.xyz/fieldtrace/internal/recorder"
)

// BufferID identifies one buffer instance, typically its address.
type BufferID uint64

func (b BufferID) String() string { return fmt.Sprintf("0x%x", uint64(b)) }

// FieldObserver receives the event stream of the instrumented primitives.
type FieldObserver interface {
	OnFieldWrite(buf BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID)
	OnFieldRead(buf BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID)
	OnBufferReady(dir core.Direction, buf BufferID, h recorder.BufferHandle, lengthHint *int)
	OnTransmitComplete(buf BufferID, site core.CallSiteID) error
	OnReceiveComplete(buf BufferID, site core.CallSiteID) error
	OnOperationAborted(dir core.Direction, buf BufferID, site core.CallSiteID) error
}

// RecorderSource hands out the recorder of a direction.
// *registry.Registry implements it.
type RecorderSource interface {
	For(dir core.Direction) (*recorder.Recorder, error)
}

// lane tracks which buffer the in-progress trace of one direction belongs to.
type lane struct {
	mu          sync.Mutex
	bound       BufferID
	active      bool
	interleaved uint64
}

// Observer routes events to recorders. It is safe for concurrent use.
type Observer struct {
	src    RecorderSource
	logger *slog.Logger

	outbound lane
	inbound  lane
}

// New creates an observer over src. A nil logger means slog.Default().
func New(src RecorderSource, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{src: src, logger: logger.With("component", "observer")}
}

func (o *Observer) OnFieldWrite(buf BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID) {
	o.field(core.Outbound, buf, offset, kind, site)
}

func (o *Observer) OnFieldRead(buf BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID) {
	o.field(core.Inbound, buf, offset, kind, site)
}

func (o *Observer) field(dir core.Direction, buf BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID) {
	if err := kind.Validate(); err != nil {
		o.logger.Warn("dropping field event", "direction", dir, "buffer", buf, "offset", offset, "site", site, "error", err)
		return
	}

	o.bind(dir, buf, false)

	rec, ok := o.recorder(dir)
	if !ok {
		return
	}
	rec.AddField(offset, kind, site)
}

// OnBufferReady binds the buffer's bytes to dir's trace.
func (o *Observer) OnBufferReady(dir core.Direction, buf BufferID, h recorder.BufferHandle, lengthHint *int) {
	if !dir.Valid() {
		o.logger.Warn("dropping buffer ready event", "direction", dir, "buffer", buf, "error", core.ErrUnknownDirection)
		return
	}

	o.bind(dir, buf, true)

	rec, ok := o.recorder(dir)
	if !ok {
		return
	}
	rec.SetBufferReference(h, lengthHint)
}

// OnTransmitComplete flushes the outbound trace.
func (o *Observer) OnTransmitComplete(buf BufferID, site core.CallSiteID) error {
	return o.complete(core.Outbound, buf, site, false)
}

// OnReceiveComplete flushes the inbound trace.
func (o *Observer) OnReceiveComplete(buf BufferID, site core.CallSiteID) error {
	return o.complete(core.Inbound, buf, site, false)
}

// OnOperationAborted flushes dir's partial trace tagged as aborted.
func (o *Observer) OnOperationAborted(dir core.Direction, buf BufferID, site core.CallSiteID) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownDirection, string(dir))
	}
	return o.complete(dir, buf, site, true)
}

func (o *Observer) complete(dir core.Direction, buf BufferID, site core.CallSiteID, aborted bool) error {
	l := o.lane(dir)
	l.mu.Lock()
	if l.active && l.bound != buf {
		o.interleavedLocked(l, dir, buf)
	}
	l.active = false
	l.bound = 0
	l.mu.Unlock()

	rec, err := o.src.For(dir)
	if err != nil {
		o.logger.Warn("recorder unavailable", "direction", dir, "buffer", buf, "error", err)
		return err
	}
	if aborted {
		return rec.FinishAborted(site)
	}
	return rec.Finish(site)
}

// bind attributes an event for buf to dir's trace. rebind moves the binding
// to buf after reporting a mismatch.
func (o *Observer) bind(dir core.Direction, buf BufferID, rebind bool) {
	l := o.lane(dir)
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case !l.active:
		l.active = true
		l.bound = buf
	case l.bound != buf:
		o.interleavedLocked(l, dir, buf)
		if rebind {
			l.bound = buf
		}
	}
}

func (o *Observer) interleavedLocked(l *lane, dir core.Direction, buf BufferID) {
	l.interleaved++
	metrics.InterleavedTotal.WithLabelValues(string(dir)).Inc()
	o.logger.Warn("event for a buffer other than the one being traced",
		"direction", dir, "bound", l.bound, "buffer", buf)
}

func (o *Observer) recorder(dir core.Direction) (*recorder.Recorder, bool) {
	rec, err := o.src.For(dir)
	if err != nil {
		o.logger.Warn("recorder unavailable, dropping event", "direction", dir, "error", err)
		return nil, false
	}
	return rec, true
}

// Interleaved returns how many events were attributed to a foreign buffer.
func (o *Observer) Interleaved(dir core.Direction) uint64 {
	l := o.lane(dir)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interleaved
}

// Bound returns the buffer dir's trace is attributed to, if any.
func (o *Observer) Bound(dir core.Direction) (BufferID, bool) {
	l := o.lane(dir)
	if l == nil {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound, l.active
}

func (o *Observer) lane(dir core.Direction) *lane {
	if dir == core.Inbound {
		return &o.inbound
	}
	if dir == core.Outbound {
		return &o.outbound
	}
	return nil
}

var _ FieldObserver = (*Observer)(nil)
