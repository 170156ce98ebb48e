package export

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/schema"
	"firestige.xyz/fieldtrace/internal/sink"
)

func record(dir core.Direction, data []byte) sink.Record {
	var tr schema.PacketTrace
	_ = tr.Append(0, core.Int8(), 1)
	return sink.NewRecord(dir, tr, data)
}

func TestWriter_RoundTrip(t *testing.T) {
	recs := []sink.Record{
		record(core.Outbound, []byte{0x01, 0x02, 0x03}),
		record(core.Inbound, nil),
		record(core.Inbound, []byte{0xaa, 0xbb}),
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := w.Write(rec)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, w.Count())
	assert.Equal(t, 1, w.Skipped())

	r, err := pcapgo.NewNgReader(&buf, pcapgo.DefaultNgReaderOptions)
	require.NoError(t, err)

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
	assert.Equal(t, 0, ci.InterfaceIndex)
	assert.WithinDuration(t, recs[0].RecordedAt, ci.Timestamp, time.Microsecond)

	data, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, data)
	assert.Equal(t, 1, ci.InterfaceIndex)

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)

	require.Equal(t, 2, r.NInterfaces())
	intf, err := r.Interface(1)
	require.NoError(t, err)
	assert.Equal(t, "recv", intf.Name)
	assert.Equal(t, LinkTypeUser0, intf.LinkType)
}

func TestWriter_UnknownDirection(t *testing.T) {
	w, err := NewWriter(io.Discard)
	require.NoError(t, err)

	_, err = w.Write(record(core.Direction("sideways"), []byte{1}))
	assert.ErrorIs(t, err, core.ErrUnknownDirection)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcapng")
	n, err := WriteFile(path, []sink.Record{record(core.Outbound, []byte{9})})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, data)
}
