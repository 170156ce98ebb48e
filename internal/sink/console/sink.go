// Package console provides a sink that prints records to a stream instead of
// a file.
package console

import (
	"fmt"
	"io"
	"sync"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/schema"
	"firestige.xyz/fieldtrace/internal/sink"
)

// Sink writes encoded records to w. Several sinks may share one writer;
// writes through the same Sink never interleave.
type Sink struct {
	dir    core.Direction
	w      io.Writer
	mu     sync.Mutex
	closed bool
}

// NewSink creates a console sink for dir.
func NewSink(dir core.Direction, w io.Writer) *Sink {
	return &Sink{dir: dir, w: w}
}

func (s *Sink) Write(trace schema.PacketTrace, raw []byte) error {
	rec := sink.NewRecord(s.dir, trace, raw)
	data, err := sink.Encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write record %s to console: %w", rec.ID, err)
	}
	return nil
}

// Close stops further writes. The underlying writer is left open.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
