package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/observer"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command on a fresh connection and waits for the response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return roundTrip(conn, bufio.NewScanner(conn), method, params, c.deadline(ctx))
}

func (c *UDSClient) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to socket %s: %w", core.ErrDaemonNotRunning, c.socketPath, err)
	}
	return conn, nil
}

func (c *UDSClient) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func roundTrip(conn net.Conn, scanner *bufio.Scanner, method string, params interface{}, deadline time.Time) (*Response, error) {
	conn.SetDeadline(deadline)

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req, err := newRequest(method, params, reqID)
	if err != nil {
		return nil, err
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var jsonrpcResp JSONRPCResponse
	for {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			return nil, fmt.Errorf("connection closed without response")
		}

		jsonrpcResp = JSONRPCResponse{}
		if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		// Parse errors on an earlier notification come back with a null id.
		if jsonrpcResp.ID != nil {
			break
		}
	}

	// Verify response ID matches (convert both to string for comparison)
	respIDStr := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respIDStr != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respIDStr)
	}

	return &Response{
		ID:     respIDStr,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

func newRequest(method string, params interface{}, id interface{}) (JSONRPCRequest, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return JSONRPCRequest{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}
	return JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	}, nil
}

// FieldWrite reports a field written into an outbound buffer.
func (c *UDSClient) FieldWrite(ctx context.Context, buf observer.BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID) (*Response, error) {
	return c.Call(ctx, MethodFieldWrite, FieldParams{Buffer: buf, Offset: offset, Kind: kind, Site: site})
}

// FieldRead reports a field read from an inbound buffer.
func (c *UDSClient) FieldRead(ctx context.Context, buf observer.BufferID, offset uint64, kind core.FieldKind, site core.CallSiteID) (*Response, error) {
	return c.Call(ctx, MethodFieldRead, FieldParams{Buffer: buf, Offset: offset, Kind: kind, Site: site})
}

// BufferReady hands over the bytes of a buffer.
func (c *UDSClient) BufferReady(ctx context.Context, dir core.Direction, buf observer.BufferID, data []byte, lengthHint *int) (*Response, error) {
	return c.Call(ctx, MethodBufferReady, BufferReadyParams{Direction: string(dir), Buffer: buf, Data: data, LengthHint: lengthHint})
}

// TransmitComplete flushes the outbound trace.
func (c *UDSClient) TransmitComplete(ctx context.Context, params CompletionParams) (*Response, error) {
	return c.Call(ctx, MethodTransmitComplete, params)
}

// ReceiveComplete flushes the inbound trace.
func (c *UDSClient) ReceiveComplete(ctx context.Context, params CompletionParams) (*Response, error) {
	return c.Call(ctx, MethodReceiveComplete, params)
}

// OperationAborted flushes a partial trace.
func (c *UDSClient) OperationAborted(ctx context.Context, dir core.Direction, buf observer.BufferID, site core.CallSiteID) (*Response, error) {
	return c.Call(ctx, MethodOperationAborted, AbortParams{Direction: string(dir), Buffer: buf, Site: site})
}

// RecorderStatus returns the per-direction counters.
func (c *UDSClient) RecorderStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodRecorderStatus, nil)
}

// DaemonStatus returns version and uptime.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonStatus, nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonShutdown, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.DaemonStatus(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Stream keeps one connection open. Notifications sent on it are handled in
// order and get no response; Call waits for one.
type Stream struct {
	client  *UDSClient
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
	mu      sync.Mutex
}

// Stream opens a persistent connection.
func (c *UDSClient) Stream(ctx context.Context) (*Stream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{
		client:  c,
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		enc:     json.NewEncoder(conn),
	}, nil
}

// Notify sends method without waiting.
func (s *Stream) Notify(method string, params interface{}) error {
	req, err := newRequest(method, params, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.client.timeout))
	if err := s.enc.Encode(req); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// Call sends method on the stream and waits for its response. Every
// notification sent before it has been handled when it returns.
func (s *Stream) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return roundTrip(s.conn, s.scanner, method, params, s.client.deadline(ctx))
}

// Close closes the connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
