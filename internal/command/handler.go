// Package command implements the observer transport: a JSON-RPC handler that
// forwards field events to an observer, and the UDS server and client around it.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/metrics"
	"firestige.xyz/fieldtrace/internal/observer"
	"firestige.xyz/fieldtrace/internal/recorder"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// Method names.
const (
	MethodFieldWrite       = "field_write"
	MethodFieldRead        = "field_read"
	MethodBufferReady      = "buffer_ready"
	MethodTransmitComplete = "transmit_complete"
	MethodReceiveComplete  = "receive_complete"
	MethodOperationAborted = "operation_aborted"
	MethodRecorderStatus   = "recorder_status"
	MethodDaemonStatus     = "daemon_status"
	MethodDaemonShutdown   = "daemon_shutdown"
)

// StatsProvider reports recorder counters. *registry.Registry implements it.
type StatsProvider interface {
	Stats() []recorder.Stats
}

// CommandHandler turns commands into observer calls.
type CommandHandler struct {
	observer     observer.FieldObserver
	stats        StatsProvider
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    int64  // Unix timestamp of daemon start for uptime calc
}

// NewCommandHandler creates a new command handler. stats may be nil.
func NewCommandHandler(obs observer.FieldObserver, stats StatsProvider) *CommandHandler {
	return &CommandHandler{
		observer:  obs,
		stats:     stats,
		startTime: time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents one request.
type Command struct {
	Method string          `json:"method"` // e.g., "field_write", "transmit_complete"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeRecorderUnavailable = -32001 // Recorder could not be initialized
	ErrCodePersistence         = -32002 // Trace could not be written
)

// FieldParams carries field_write and field_read.
type FieldParams struct {
	Buffer observer.BufferID `json:"buffer"`
	Offset uint64            `json:"offset"`
	Kind   core.FieldKind    `json:"kind"`
	Site   core.CallSiteID   `json:"site"`
}

// BufferReadyParams carries buffer_ready. Data is base64 in JSON.
type BufferReadyParams struct {
	Direction  string            `json:"direction"`
	Buffer     observer.BufferID `json:"buffer"`
	Data       []byte            `json:"data"`
	LengthHint *int              `json:"length_hint,omitempty"`
}

// CompletionParams carries transmit_complete and receive_complete.
// When Data is set the buffer is bound before the trace is flushed.
type CompletionParams struct {
	Buffer     observer.BufferID `json:"buffer"`
	Site       core.CallSiteID   `json:"site"`
	Data       []byte            `json:"data,omitempty"`
	LengthHint *int              `json:"length_hint,omitempty"`
}

// AbortParams carries operation_aborted.
type AbortParams struct {
	Direction string            `json:"direction"`
	Buffer    observer.BufferID `json:"buffer"`
	Site      core.CallSiteID   `json:"site"`
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	var resp Response
	label := cmd.Method
	switch cmd.Method {
	case MethodFieldWrite:
		resp = h.handleField(ctx, cmd, core.Outbound)
	case MethodFieldRead:
		resp = h.handleField(ctx, cmd, core.Inbound)
	case MethodBufferReady:
		resp = h.handleBufferReady(ctx, cmd)
	case MethodTransmitComplete:
		resp = h.handleCompletion(ctx, cmd, core.Outbound)
	case MethodReceiveComplete:
		resp = h.handleCompletion(ctx, cmd, core.Inbound)
	case MethodOperationAborted:
		resp = h.handleOperationAborted(ctx, cmd)
	case MethodRecorderStatus:
		resp = h.handleRecorderStatus(ctx, cmd)
	case MethodDaemonStatus:
		resp = h.handleDaemonStatus(ctx, cmd)
	case MethodDaemonShutdown:
		resp = h.handleDaemonShutdown(ctx, cmd)
	default:
		label = "unknown"
		resp = errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}

	status := metrics.StatusOK
	if resp.Error != nil {
		status = metrics.StatusError
	}
	metrics.RPCRequestsTotal.WithLabelValues(label, status).Inc()
	return resp
}

func (h *CommandHandler) handleField(_ context.Context, cmd Command, dir core.Direction) Response {
	var params FieldParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if err := params.Kind.Validate(); err != nil {
		return invalidParams(cmd.ID, err)
	}

	if dir == core.Inbound {
		h.observer.OnFieldRead(params.Buffer, params.Offset, params.Kind, params.Site)
	} else {
		h.observer.OnFieldWrite(params.Buffer, params.Offset, params.Kind, params.Site)
	}

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "recorded"},
	}
}

func (h *CommandHandler) handleBufferReady(_ context.Context, cmd Command) Response {
	var params BufferReadyParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	dir, err := core.ParseDirection(params.Direction)
	if err != nil {
		return invalidParams(cmd.ID, err)
	}

	h.observer.OnBufferReady(dir, params.Buffer, recorder.Bytes(params.Data), params.LengthHint)

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "bound",
			"size":   len(params.Data),
		},
	}
}

func (h *CommandHandler) handleCompletion(_ context.Context, cmd Command, dir core.Direction) Response {
	var params CompletionParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}

	if params.Data != nil {
		h.observer.OnBufferReady(dir, params.Buffer, recorder.Bytes(params.Data), params.LengthHint)
	}

	var err error
	if dir == core.Inbound {
		err = h.observer.OnReceiveComplete(params.Buffer, params.Site)
	} else {
		err = h.observer.OnTransmitComplete(params.Buffer, params.Site)
	}
	if err != nil {
		return flushError(cmd.ID, dir, err)
	}

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "flushed", "direction": dir},
	}
}

func (h *CommandHandler) handleOperationAborted(_ context.Context, cmd Command) Response {
	var params AbortParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	dir, err := core.ParseDirection(params.Direction)
	if err != nil {
		return invalidParams(cmd.ID, err)
	}

	if err := h.observer.OnOperationAborted(dir, params.Buffer, params.Site); err != nil {
		return flushError(cmd.ID, dir, err)
	}

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "aborted", "direction": dir},
	}
}

// handleRecorderStatus returns per-direction recorder counters.
func (h *CommandHandler) handleRecorderStatus(_ context.Context, cmd Command) Response {
	var stats []recorder.Stats
	if h.stats != nil {
		stats = h.stats.Stats()
	}
	if stats == nil {
		stats = []recorder.Stats{}
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"recorders": stats,
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	uptimeSeconds := time.Now().Unix() - h.startTime

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"version":    Version,
			"uptime_sec": uptimeSeconds,
		},
	}
}

func flushError(id string, dir core.Direction, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrRecorderUnavailable):
		code = ErrCodeRecorderUnavailable
	case errors.Is(err, core.ErrPersistence):
		code = ErrCodePersistence
	case errors.Is(err, core.ErrUnknownDirection):
		code = ErrCodeInvalidParams
	}
	slog.Warn("flush failed", "direction", dir, "error", err)
	return errorResponse(id, code, err.Error())
}

func invalidParams(id string, err error) Response {
	return errorResponse(id, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
}

func errorResponse(id string, code int, msg string) Response {
	return Response{
		ID:    id,
		Error: &ErrorInfo{Code: code, Message: msg},
	}
}

// DecodeResult re-decodes a generic Result into v.
func DecodeResult(resp *Response, v interface{}) error {
	if resp.Error != nil {
		return resp.Error
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
