package observer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/recorder"
	"firestige.xyz/fieldtrace/internal/sink"
)

type memorySource struct {
	sinks map[core.Direction]*sink.Memory
	recs  map[core.Direction]*recorder.Recorder
	err   error
}

func newMemorySource(raw bool) *memorySource {
	src := &memorySource{
		sinks: map[core.Direction]*sink.Memory{},
		recs:  map[core.Direction]*recorder.Recorder{},
	}
	for _, dir := range core.Directions {
		m := sink.NewMemory(dir)
		src.sinks[dir] = m
		src.recs[dir] = recorder.New(dir, m, recorder.WithRawData(raw))
	}
	return src
}

func (s *memorySource) For(dir core.Direction) (*recorder.Recorder, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.recs[dir]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownDirection, dir)
	}
	return rec, nil
}

func TestObserver_OutboundLifecycle(t *testing.T) {
	src := newMemorySource(true)
	obs := New(src, nil)

	obs.OnFieldWrite(0x1000, 0, core.Int16(), 0xa)
	obs.OnFieldWrite(0x1000, 4, core.Int32(), 0xb)
	obs.OnBufferReady(core.Outbound, 0x1000, recorder.Bytes{1, 2, 3, 4, 5, 6, 7, 8}, nil)

	bound, active := obs.Bound(core.Outbound)
	assert.True(t, active)
	assert.Equal(t, BufferID(0x1000), bound)

	require.NoError(t, obs.OnTransmitComplete(0x1000, 0xc))

	_, active = obs.Bound(core.Outbound)
	assert.False(t, active)

	recs := src.sinks[core.Outbound].Records()
	require.Len(t, recs, 1)
	tr := recs[0].Trace
	require.Len(t, tr.Fields, 3)
	assert.True(t, tr.Fields[1].IsGap())
	assert.Equal(t, core.Buffer(2), tr.Fields[1].Kind)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, recs[0].Data)
	assert.Empty(t, src.sinks[core.Inbound].Records())
}

func TestObserver_InboundLifecycle(t *testing.T) {
	src := newMemorySource(true)
	obs := New(src, nil)

	hint := 2
	obs.OnBufferReady(core.Inbound, 0x2000, recorder.Bytes{0, 0, 0, 0, 0x34, 0x12, 0xff}, &hint)
	obs.OnFieldRead(0x2000, 4, core.Int16(), 0x1)
	require.NoError(t, obs.OnReceiveComplete(0x2000, 0x2))

	recs := src.sinks[core.Inbound].Records()
	require.Len(t, recs, 1)
	assert.Equal(t, []byte{0x34, 0x12}, recs[0].Data)
	require.Len(t, recs[0].Trace.Fields, 2)
	assert.Equal(t, core.Buffer(4), recs[0].Trace.Fields[0].Kind)
	assert.Equal(t, uint64(0), obs.Interleaved(core.Inbound))
}

func TestObserver_DirectionsIndependent(t *testing.T) {
	src := newMemorySource(false)
	obs := New(src, nil)

	obs.OnFieldWrite(1, 0, core.Int8(), 1)
	obs.OnFieldRead(2, 0, core.Int32(), 2)
	obs.OnFieldWrite(1, 1, core.Int8(), 3)
	require.NoError(t, obs.OnReceiveComplete(2, 4))

	assert.Len(t, src.sinks[core.Inbound].Records(), 1)
	assert.Empty(t, src.sinks[core.Outbound].Records())
	assert.Len(t, src.recs[core.Outbound].Snapshot().Fields, 2)
	assert.Equal(t, uint64(0), obs.Interleaved(core.Outbound))
}

func TestObserver_Interleaving(t *testing.T) {
	src := newMemorySource(false)
	obs := New(src, nil)

	obs.OnFieldWrite(0xa, 0, core.Int8(), 1)
	obs.OnFieldWrite(0xb, 1, core.Int8(), 2)
	require.NoError(t, obs.OnTransmitComplete(0xa, 3))

	assert.Equal(t, uint64(1), obs.Interleaved(core.Outbound))
	tr := src.sinks[core.Outbound].Records()[0].Trace
	assert.Len(t, tr.Fields, 2)

	obs.OnFieldWrite(0xc, 0, core.Int8(), 4)
	require.NoError(t, obs.OnTransmitComplete(0xd, 5))
	assert.Equal(t, uint64(2), obs.Interleaved(core.Outbound))
}

func TestObserver_Aborted(t *testing.T) {
	src := newMemorySource(false)
	obs := New(src, nil)

	obs.OnFieldRead(7, 0, core.Int16(), 1)
	require.NoError(t, obs.OnOperationAborted(core.Inbound, 7, 0x99))

	recs := src.sinks[core.Inbound].Records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Trace.AbortedSite)
	assert.Equal(t, core.CallSiteID(0x99), *recs[0].Trace.AbortedSite)

	err := obs.OnOperationAborted(core.Direction("up"), 7, 1)
	assert.ErrorIs(t, err, core.ErrUnknownDirection)
}

func TestObserver_InvalidKindDropped(t *testing.T) {
	src := newMemorySource(false)
	obs := New(src, nil)

	obs.OnFieldWrite(1, 0, core.FieldKind{Kind: "i64"}, 1)
	assert.True(t, src.recs[core.Outbound].Snapshot().Empty())
	_, active := obs.Bound(core.Outbound)
	assert.False(t, active)
}

func TestObserver_RecorderUnavailable(t *testing.T) {
	src := newMemorySource(false)
	src.err = fmt.Errorf("%w: no disk", core.ErrRecorderUnavailable)
	obs := New(src, nil)

	assert.NotPanics(t, func() {
		obs.OnFieldWrite(1, 0, core.Int8(), 1)
		obs.OnBufferReady(core.Outbound, 1, recorder.Bytes{1}, nil)
	})
	err := obs.OnTransmitComplete(1, 2)
	assert.True(t, errors.Is(err, core.ErrRecorderUnavailable))
}

func TestObserver_PersistErrorReturned(t *testing.T) {
	src := newMemorySource(false)
	src.sinks[core.Outbound].FailWith(errors.New("disk full"))
	obs := New(src, nil)

	obs.OnFieldWrite(1, 0, core.Int8(), 1)
	err := obs.OnTransmitComplete(1, 2)
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.True(t, src.recs[core.Outbound].Snapshot().Empty())
}
