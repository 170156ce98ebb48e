// Package sink persists completed packet traces as append-only records.
package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/schema"
)

// Separator terminates every record. A file of records can be read line by
// line, or wrapped in brackets as a JSON array once the final comma is dropped.
const Separator = ",\n"

// Sink receives one completed trace per flush.
// raw is nil when no payload bytes are available or wanted.
type Sink interface {
	Write(trace schema.PacketTrace, raw []byte) error
	Close() error
}

// Record is the on-disk form of one flushed trace.
type Record struct {
	ID         uuid.UUID          `json:"id" yaml:"id"`
	Direction  core.Direction     `json:"direction" yaml:"direction"`
	RecordedAt time.Time          `json:"recorded_at" yaml:"recorded_at"`
	Trace      schema.PacketTrace `json:"trace" yaml:"trace"`
	Data       []byte             `json:"data,omitempty" yaml:"data,omitempty"`
}

// NewRecord stamps trace with a fresh id and the current time.
func NewRecord(dir core.Direction, trace schema.PacketTrace, raw []byte) Record {
	return Record{
		ID:         uuid.New(),
		Direction:  dir,
		RecordedAt: time.Now().UTC(),
		Trace:      trace,
		Data:       raw,
	}
}

// Encode renders rec followed by Separator.
func Encode(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	// Encoder terminates with '\n'; swap it for the record separator.
	out := buf.Bytes()
	out = append(out[:len(out)-1], Separator...)
	return out, nil
}

// RotationOptions bounds the size of a record file. MaxSizeMB 0 disables
// size rotation; the other zero values keep every backup forever.
type RotationOptions struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// noRotationMB stands in for an unlimited size. lumberjack treats 0 as 100 MB.
const noRotationMB = math.MaxInt32

// FileOptions configures a FileSink.
type FileOptions struct {
	Path     string
	Rotation RotationOptions
}

// FileSink appends records to a file.
//
// Each record and its separator reach the file in a single write on an
// append-mode descriptor, so once Write returns nothing of that record is
// held in process memory. Rotation only ever happens between records.
type FileSink struct {
	dir    core.Direction
	path   string
	out    *lumberjack.Logger
	mu     sync.Mutex
	closed bool
}

// Open creates the parent directory and prepares the record file for dir.
func Open(dir core.Direction, opts FileOptions) (*FileSink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sink %s: %w: empty path", dir, core.ErrConfigInvalid)
	}
	if parent := filepath.Dir(opts.Path); parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("sink %s: create directory %q: %w", dir, parent, err)
		}
	}

	maxSize := opts.Rotation.MaxSizeMB
	if maxSize <= 0 {
		maxSize = noRotationMB
	}
	out := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    maxSize,
		MaxAge:     opts.Rotation.MaxAgeDays,
		MaxBackups: opts.Rotation.MaxBackups,
		Compress:   opts.Rotation.Compress,
	}

	slog.Debug("trace sink opened", "direction", dir, "path", opts.Path)
	return &FileSink{dir: dir, path: opts.Path, out: out}, nil
}

// Path returns the active record file.
func (s *FileSink) Path() string { return s.path }

// Write appends one record.
func (s *FileSink) Write(trace schema.PacketTrace, raw []byte) error {
	rec := NewRecord(s.dir, trace, raw)
	data, err := Encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if _, err := s.out.Write(data); err != nil {
		return fmt.Errorf("write record %s to %s: %w", rec.ID, s.path, err)
	}
	return nil
}

// Close releases the file. Later writes fail with core.ErrSinkClosed.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.out.Close()
}

// Memory keeps records in memory. Used for dry runs and tests.
type Memory struct {
	dir core.Direction

	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
}

// NewMemory creates an in-memory sink for dir.
func NewMemory(dir core.Direction) *Memory {
	return &Memory{dir: dir}
}

// FailWith makes every following Write return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Write(trace schema.PacketTrace, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return core.ErrSinkClosed
	}
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, NewRecord(m.dir, trace, raw))
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything written so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*Memory)(nil)
)
