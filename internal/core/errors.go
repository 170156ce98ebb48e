// Package core defines the field model shared by every layer: kinds, call
// sites, directions and sentinel errors.
package core

import "errors"

// Sentinel errors. Wrap with %w and test with errors.Is.
var (
	// Schema building errors
	ErrOutOfOrderOffset = errors.New("fieldtrace: field offset before last known offset")
	ErrGapTooLarge      = errors.New("fieldtrace: gap exceeds maximum buffer length")
	ErrInvalidFieldKind = errors.New("fieldtrace: invalid field kind")

	// Persistence errors
	ErrPersistence = errors.New("fieldtrace: trace persistence failed")
	ErrSinkClosed  = errors.New("fieldtrace: sink closed")

	// Registry errors
	ErrUnknownDirection    = errors.New("fieldtrace: unknown direction")
	ErrRecorderUnavailable = errors.New("fieldtrace: recorder unavailable")

	// Configuration errors
	ErrConfigInvalid = errors.New("fieldtrace: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("fieldtrace: daemon not running")
)
