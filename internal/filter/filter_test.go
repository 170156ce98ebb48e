package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/schema"
	"firestige.xyz/fieldtrace/internal/sink"
)

func outboundRecord(t *testing.T) sink.Record {
	t.Helper()
	var tr schema.PacketTrace
	require.NoError(t, tr.Append(0, core.Int16(), 4198400))
	require.NoError(t, tr.Append(4, core.String(3), 4198416))
	site := core.CallSiteID(153)
	tr.TerminatingSite = &site

	rec := sink.NewRecord(core.Outbound, tr, []byte{0x34, 0x12, 0x00})
	rec.RecordedAt = time.Unix(1700000000, 0).UTC()
	return rec
}

func abortedInbound(t *testing.T) sink.Record {
	t.Helper()
	var tr schema.PacketTrace
	require.NoError(t, tr.Append(0, core.Int8(), 1))
	site := core.CallSiteID(7)
	tr.AbortedSite = &site
	return sink.NewRecord(core.Inbound, tr, nil)
}

func TestNewEnv(t *testing.T) {
	env := NewEnv(outboundRecord(t))

	assert.Equal(t, "outbound", env.Direction)
	assert.True(t, env.Send)
	assert.False(t, env.Recv)
	assert.Equal(t, 2, env.Fields)
	assert.Equal(t, 1, env.Gaps)
	assert.Equal(t, uint64(9), env.Length)
	assert.Equal(t, []string{"i16", "str(3)"}, env.Kinds)
	assert.Equal(t, []uint64{4198400, 4198416}, env.Origins)
	assert.True(t, env.Complete)
	assert.Equal(t, uint64(153), env.Site)
	assert.Equal(t, 0x1234, env.Opcode)
	assert.Equal(t, 3, env.DataLen)
	assert.InDelta(t, 1700000000, env.Timestamp, 0.001)

	in := NewEnv(abortedInbound(t))
	assert.Equal(t, -1, in.Opcode)
	assert.False(t, in.HasData)
	assert.True(t, in.Aborted)
	assert.False(t, in.Complete)
	assert.Equal(t, uint64(7), in.AbortedSite)
}

func TestFilter_Match(t *testing.T) {
	out := outboundRecord(t)
	in := abortedInbound(t)

	tests := []struct {
		expr    string
		wantOut bool
		wantIn  bool
	}{
		{"", true, true},
		{"send", true, false},
		{`direction == "inbound"`, false, true},
		{"fields == 2 && gaps == 1", true, false},
		{`"str(3)" in kinds`, true, false},
		{"4198400 in origins", true, false},
		{"opcode == 4660", true, false},
		{"aborted && aborted_site == 7", false, true},
		{"has_data and data_len > 2", true, false},
		{"length >= 9 or recv", true, true},
		{"site == 153", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, f.Match(out), "outbound")
			assert.Equal(t, tt.wantIn, f.Match(in), "inbound")
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, src := range []string{"fields +", "unknown_field == 1", "fields + 1"} {
		_, err := Compile(src)
		assert.Error(t, err, src)
	}
}

func TestChain(t *testing.T) {
	out := outboundRecord(t)
	in := abortedInbound(t)
	recs := []sink.Record{out, in}

	c, err := NewChain(nil)
	require.NoError(t, err)
	assert.Len(t, c.Apply(recs), 2)

	c, err = NewChain([]string{"", "  "})
	require.NoError(t, err)
	assert.Empty(t, c.Filters())

	c, err = NewChain([]string{"gaps >= 0", "send"})
	require.NoError(t, err)
	assert.Len(t, c.Filters(), 2)
	got := c.Apply(recs)
	require.Len(t, got, 1)
	assert.Equal(t, out.ID, got[0].ID)

	c, err = NewChain([]string{"send", "recv"})
	require.NoError(t, err)
	assert.Empty(t, c.Apply(recs))

	_, err = NewChain([]string{"send", "fields +"})
	assert.Error(t, err)
}
