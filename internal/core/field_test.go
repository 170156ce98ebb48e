package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteLength(t *testing.T) {
	tests := []struct {
		kind FieldKind
		want uint64
	}{
		{Int8(), 1},
		{Int16(), 2},
		{Int32(), 4},
		{Buffer(0), 2},
		{Buffer(4), 6},
		{String(0), 2},
		{String(3), 5},
		{Buffer(1 << 20), 1<<20 + 2},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.ByteLength())
		})
	}
}

func TestByteLength_BufferAndStringAgree(t *testing.T) {
	for _, n := range []uint32{0, 1, 7, 255, 65535, 1 << 31} {
		assert.Equal(t, Buffer(n).ByteLength(), String(n).ByteLength())
		assert.Equal(t, uint64(n)+2, Buffer(n).ByteLength())
	}
}

func TestParseFieldKind_RoundTrip(t *testing.T) {
	for _, k := range []FieldKind{Int8(), Int16(), Int32(), Buffer(0), Buffer(12), String(3)} {
		parsed, err := ParseFieldKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestParseFieldKind_Lenient(t *testing.T) {
	k, err := ParseFieldKind("  BUF(4) ")
	require.NoError(t, err)
	assert.Equal(t, Buffer(4), k)
}

func TestParseFieldKind_Invalid(t *testing.T) {
	for _, s := range []string{"", "i64", "buf", "buf(", "buf(-1)", "str(x)", "i8(2)", "buf(4294967296)"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseFieldKind(s)
			assert.True(t, errors.Is(err, ErrInvalidFieldKind), "got %v", err)
		})
	}
}

func TestFieldKind_Validate(t *testing.T) {
	assert.NoError(t, Int32().Validate())
	assert.NoError(t, String(0).Validate())
	assert.ErrorIs(t, FieldKind{Kind: KindInt8, Len: 3}.Validate(), ErrInvalidFieldKind)
	assert.ErrorIs(t, FieldKind{Kind: "u64"}.Validate(), ErrInvalidFieldKind)
}

func TestFieldRecord_JSON(t *testing.T) {
	observed := NewFieldRecord(2, Int32(), 0x401000)
	gap := NewGapRecord(6, 4)

	data, err := json.Marshal([]FieldRecord{observed, gap})
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"offset":2,"kind":"i32","origin":4198400},{"offset":6,"kind":"buf(4)","origin":null}]`,
		string(data))

	var back []FieldRecord
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 2)
	assert.False(t, back[0].IsGap())
	assert.Equal(t, CallSiteID(0x401000), *back[0].Origin)
	assert.True(t, back[1].IsGap())
}

func TestFieldRecord_Extent(t *testing.T) {
	assert.Equal(t, uint64(6), NewFieldRecord(0, Buffer(4), 1).Extent())
	assert.Equal(t, uint64(4), NewGapRecord(0, 4).Extent())
	assert.Equal(t, uint64(5), NewGapRecord(1, 4).End())
}

func TestCallSiteID(t *testing.T) {
	assert.Equal(t, "0x401000", CallSiteID(0x401000).String())

	id, err := ParseCallSiteID("0x401000")
	require.NoError(t, err)
	assert.Equal(t, CallSiteID(0x401000), id)

	id, err = ParseCallSiteID("42")
	require.NoError(t, err)
	assert.Equal(t, CallSiteID(42), id)

	_, err = ParseCallSiteID("nope")
	assert.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{
		"send": Outbound, "outbound": Outbound, "OUT": Outbound,
		"recv": Inbound, "inbound": Inbound, "in": Inbound, "receive": Inbound,
	} {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrUnknownDirection)
}

func TestDirection_HeaderOffset(t *testing.T) {
	assert.Equal(t, 0, Outbound.HeaderOffset())
	assert.Equal(t, 4, Inbound.HeaderOffset())
	assert.Equal(t, "send", Outbound.Short())
	assert.Equal(t, "recv", Inbound.Short())
}
