package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/fieldtrace/internal/config"
	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/observer"
	"firestige.xyz/fieldtrace/internal/recorder"
	"firestige.xyz/fieldtrace/internal/registry"
	"firestige.xyz/fieldtrace/internal/sink"
)

type testServer struct {
	socketPath string
	registry   *registry.Registry
	cancel     context.CancelFunc
	errCh      chan error
}

func startServer(t *testing.T, maxConns int) *testServer {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")

	reg := registry.New(config.TracingConfig{
		Dir:  dir,
		Send: config.DirectionConfig{Path: "send_packets.txt", IncludeRawData: true},
		Recv: config.DirectionConfig{Path: "recv_packets.txt", IncludeRawData: true},
	})
	handler := NewCommandHandler(observer.New(reg, nil), reg)
	server := NewUDSServer(socketPath, handler, maxConns)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{socketPath: socketPath, registry: reg, cancel: cancel, errCh: make(chan error, 1)}
	go func() {
		ts.errCh <- server.Start(ctx)
	}()

	select {
	case <-server.Ready():
	case err := <-ts.errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-ts.errCh
		_ = reg.Close()
	})
	return ts
}

func TestUDSServerClient_Integration(t *testing.T) {
	ts := startServer(t, 0)
	client := NewUDSClient(ts.socketPath, 5*time.Second)
	ctx := context.Background()

	resp, err := client.FieldWrite(ctx, 0x10, 0, core.Int16(), 0x401000)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.FieldWrite(ctx, 0x10, 4, core.Int8(), 0x401010)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.TransmitComplete(ctx, CompletionParams{Buffer: 0x10, Site: 0x401020, Data: []byte{1, 0, 0, 0, 7}})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.FieldRead(ctx, 0x20, 4, core.Int32(), 0x402000)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.OperationAborted(ctx, core.Inbound, 0x20, 0x402010)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	sent, err := sink.ReadFile(filepath.Join(filepath.Dir(ts.socketPath), "send_packets.txt"))
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].Trace.Fields, 3)
	assert.Equal(t, []byte{1, 0, 0, 0, 7}, sent[0].Data)

	recv, err := sink.ReadFile(filepath.Join(filepath.Dir(ts.socketPath), "recv_packets.txt"))
	require.NoError(t, err)
	require.Len(t, recv, 1)
	assert.True(t, recv[0].Trace.Aborted())

	t.Run("recorder_status", func(t *testing.T) {
		resp, err := client.RecorderStatus(ctx)
		require.NoError(t, err)

		var result struct {
			Recorders []recorder.Stats `json:"recorders"`
		}
		require.NoError(t, DecodeResult(resp, &result))
		assert.Len(t, result.Recorders, 2)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})

	t.Run("invalid params", func(t *testing.T) {
		resp, err := client.Call(ctx, MethodFieldWrite, map[string]interface{}{"kind": "i64"})
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	})
}

func TestUDSServer_StreamPreservesOrder(t *testing.T) {
	ts := startServer(t, 0)
	client := NewUDSClient(ts.socketPath, 5*time.Second)

	stream, err := client.Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	const fields = 100
	for i := 0; i < fields; i++ {
		require.NoError(t, stream.Notify(MethodFieldWrite, FieldParams{
			Buffer: 1, Offset: uint64(i * 2), Kind: core.Int16(), Site: core.CallSiteID(i),
		}))
	}
	resp, err := stream.Call(context.Background(), MethodTransmitComplete, CompletionParams{Buffer: 1, Site: 0xfff})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	recs, err := sink.ReadFile(filepath.Join(filepath.Dir(ts.socketPath), "send_packets.txt"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Trace.Fields, fields)
	for i, f := range recs[0].Trace.Fields {
		assert.Equal(t, core.CallSiteID(i), *f.Origin)
	}
}

func TestUDSServer_StreamSurvivesMalformedLine(t *testing.T) {
	ts := startServer(t, 0)
	client := NewUDSClient(ts.socketPath, 5*time.Second)

	stream, err := client.Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.conn.Write([]byte("{\"jsonrpc\": \"2.0\", \"method\":\n"))
	require.NoError(t, err)
	require.NoError(t, stream.Notify(MethodFieldWrite, FieldParams{Buffer: 1, Offset: 0, Kind: core.Int8(), Site: 0x10}))

	resp, err := stream.Call(context.Background(), MethodTransmitComplete, CompletionParams{Buffer: 1, Site: 0x20})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = stream.Call(context.Background(), MethodRecorderStatus, nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)

	recs, err := sink.ReadFile(filepath.Join(filepath.Dir(ts.socketPath), "send_packets.txt"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Trace.Fields, 1)
}

func TestUDSServer_SocketRemovedOnStop(t *testing.T) {
	ts := startServer(t, 0)

	_, err := os.Stat(ts.socketPath)
	require.NoError(t, err)

	ts.cancel()
	require.NoError(t, <-ts.errCh)
	ts.errCh <- nil // consumed again by cleanup

	_, err = os.Stat(ts.socketPath)
	assert.True(t, os.IsNotExist(err), "socket file not removed after server stop")
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), 1*time.Second)

	_, err := client.DaemonStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
}

func TestUDSClient_Timeout(t *testing.T) {
	ts := startServer(t, 0)

	// Create client with very short timeout
	client := NewUDSClient(ts.socketPath, 1*time.Nanosecond)

	_, err := client.DaemonStatus(context.Background())
	assert.Error(t, err)
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	ts := startServer(t, 2)

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			client := NewUDSClient(ts.socketPath, 5*time.Second)
			_, err := client.DaemonStatus(context.Background())
			errCh <- err
		}()
	}

	for i := 0; i < 5; i++ {
		assert.NoError(t, <-errCh)
	}
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	assert.Equal(t, 10*time.Second, client.timeout)

	client2 := NewUDSClient("/tmp/test.sock", 5*time.Second)
	assert.Equal(t, 5*time.Second, client2.timeout)
}
