package sink

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/schema"
)

func sampleTrace(t *testing.T) schema.PacketTrace {
	t.Helper()
	var tr schema.PacketTrace
	require.NoError(t, tr.Append(0, core.Int8(), 0x10))
	require.NoError(t, tr.Append(5, core.Int16(), 0x20))
	site := core.CallSiteID(0x99)
	tr.TerminatingSite = &site
	return tr
}

func newTestSink(t *testing.T) *FileSink {
	t.Helper()
	s, err := Open(core.Outbound, FileOptions{Path: filepath.Join(t.TempDir(), "nested", "send_packets.txt")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileSink_WriteRead(t *testing.T) {
	s := newTestSink(t)

	require.NoError(t, s.Write(sampleTrace(t), []byte{0x01, 0x00, 0x02}))
	require.NoError(t, s.Write(sampleTrace(t), nil))

	recs, err := ReadFile(s.Path())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, core.Outbound, first.Direction)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	assert.False(t, first.RecordedAt.IsZero())
	assert.Equal(t, []byte{0x01, 0x00, 0x02}, first.Data)
	require.Len(t, first.Trace.Fields, 3)
	assert.True(t, first.Trace.Fields[1].IsGap())
	assert.Equal(t, core.Buffer(4), first.Trace.Fields[1].Kind)
	assert.Equal(t, uint64(7), first.Trace.LastKnownOffset)
	require.NotNil(t, first.Trace.TerminatingSite)
	assert.Equal(t, core.CallSiteID(0x99), *first.Trace.TerminatingSite)

	assert.Nil(t, recs[1].Data)
}

func TestFileSink_RecordLayout(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.Write(sampleTrace(t), nil))

	content, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	text := string(content)
	assert.True(t, strings.HasSuffix(text, Separator))
	assert.Equal(t, 1, strings.Count(text, "\n"))
	assert.NotContains(t, text, `"data"`)
	assert.Contains(t, text, `"kind":"buf(4)","origin":null`)
	assert.Contains(t, text, `"terminating_site":153`)
	assert.NotContains(t, text, `"aborted_site"`)
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recv_packets.txt")

	first, err := Open(core.Inbound, FileOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.Write(sampleTrace(t), nil))
	require.NoError(t, first.Close())

	second, err := Open(core.Inbound, FileOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, second.Write(sampleTrace(t), nil))
	require.NoError(t, second.Close())

	recs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFileSink_Closed(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Write(sampleTrace(t), nil)
	assert.ErrorIs(t, err, core.ErrSinkClosed)
}

func TestOpen_RotationSize(t *testing.T) {
	dir := t.TempDir()

	unbounded, err := Open(core.Outbound, FileOptions{Path: filepath.Join(dir, "send_packets.txt")})
	require.NoError(t, err)
	defer unbounded.Close()
	assert.Equal(t, noRotationMB, unbounded.out.MaxSize)

	bounded, err := Open(core.Inbound, FileOptions{
		Path:     filepath.Join(dir, "recv_packets.txt"),
		Rotation: RotationOptions{MaxSizeMB: 16, MaxBackups: 3},
	})
	require.NoError(t, err)
	defer bounded.Close()
	assert.Equal(t, 16, bounded.out.MaxSize)
	assert.Equal(t, 3, bounded.out.MaxBackups)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(core.Outbound, FileOptions{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestReader_TruncatedTail(t *testing.T) {
	rec := NewRecord(core.Outbound, sampleTrace(t), nil)
	data, err := Encode(rec)
	require.NoError(t, err)

	input := string(data) + "\n" + string(data[:len(data)/2])
	rd := NewReader(strings.NewReader(input))

	got, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = rd.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_LastRecordWithoutSeparator(t *testing.T) {
	rec := NewRecord(core.Inbound, sampleTrace(t), []byte("hi"))
	data, err := Encode(rec)
	require.NoError(t, err)

	rd := NewReader(strings.NewReader(strings.TrimSuffix(string(data), Separator)))
	got, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got.Data)

	_, err = rd.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReader_CorruptLine(t *testing.T) {
	rd := NewReader(strings.NewReader("{not json},\n"))
	_, err := rd.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestMemory(t *testing.T) {
	m := NewMemory(core.Inbound)
	require.NoError(t, m.Write(sampleTrace(t), nil))

	boom := errors.New("disk full")
	m.FailWith(boom)
	assert.ErrorIs(t, m.Write(sampleTrace(t), nil), boom)
	m.FailWith(nil)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Write(sampleTrace(t), nil), core.ErrSinkClosed)

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, core.Inbound, recs[0].Direction)
}
