// Package schema rebuilds a buffer layout from an ordered stream of field observations.
package schema

import (
	"fmt"
	"math"

	"firestige.xyz/fieldtrace/internal/core"
)

// PacketTrace is the layout reconstructed for one buffer instance.
//
// Fields are kept in observation order. As long as offsets only move forward,
// consecutive fields are contiguous: bytes no observed call produced are
// covered by gap records (Origin == nil).
type PacketTrace struct {
	Fields          []core.FieldRecord `json:"fields" yaml:"fields"`
	LastKnownOffset uint64             `json:"last_known_offset" yaml:"last_known_offset"`
	TerminatingSite *core.CallSiteID   `json:"terminating_site,omitempty" yaml:"terminating_site,omitempty"`
	AbortedSite     *core.CallSiteID   `json:"aborted_site,omitempty" yaml:"aborted_site,omitempty"`
}

// Append records one observed field, inserting a gap first when offset skips
// ahead of LastKnownOffset.
//
// An offset behind LastKnownOffset is still appended as-is; the returned error
// wraps core.ErrOutOfOrderOffset so the caller can report it.
func (t *PacketTrace) Append(offset uint64, kind core.FieldKind, site core.CallSiteID) error {
	var err error

	switch {
	case offset > t.LastKnownOffset:
		gap := offset - t.LastKnownOffset
		if gap > math.MaxUint32 {
			err = fmt.Errorf("%w: %d bytes at offset %d", core.ErrGapTooLarge, gap, t.LastKnownOffset)
			gap = math.MaxUint32
		}
		t.Fields = append(t.Fields, core.NewGapRecord(t.LastKnownOffset, uint32(gap)))
	case offset < t.LastKnownOffset:
		err = fmt.Errorf("%w: offset %d, last known %d, kind %s, site %s",
			core.ErrOutOfOrderOffset, offset, t.LastKnownOffset, kind, site)
	}

	t.Fields = append(t.Fields, core.NewFieldRecord(offset, kind, site))
	t.LastKnownOffset = offset + kind.ByteLength()
	return err
}

// Len returns the number of records, gaps included.
func (t PacketTrace) Len() int { return len(t.Fields) }

// Empty reports whether nothing has been appended.
func (t PacketTrace) Empty() bool { return len(t.Fields) == 0 }

// Gaps returns the number of synthetic gap records.
func (t PacketTrace) Gaps() int {
	n := 0
	for _, f := range t.Fields {
		if f.IsGap() {
			n++
		}
	}
	return n
}

// Complete reports whether the trace ended with a normal completion.
func (t PacketTrace) Complete() bool {
	return t.TerminatingSite != nil && t.AbortedSite == nil
}

// Aborted reports whether the trace was flushed by a failed operation.
func (t PacketTrace) Aborted() bool {
	return t.AbortedSite != nil
}

// Clone returns a deep copy that shares no memory with t.
func (t PacketTrace) Clone() PacketTrace {
	out := PacketTrace{LastKnownOffset: t.LastKnownOffset}
	if t.Fields != nil {
		out.Fields = make([]core.FieldRecord, len(t.Fields))
		for i, f := range t.Fields {
			out.Fields[i] = f
			if f.Origin != nil {
				origin := *f.Origin
				out.Fields[i].Origin = &origin
			}
		}
	}
	if t.TerminatingSite != nil {
		site := *t.TerminatingSite
		out.TerminatingSite = &site
	}
	if t.AbortedSite != nil {
		site := *t.AbortedSite
		out.AbortedSite = &site
	}
	return out
}

// Reset empties the trace in place.
func (t *PacketTrace) Reset() {
	*t = PacketTrace{}
}

// Contiguous reports whether every record starts where the previous one ended.
func (t PacketTrace) Contiguous() bool {
	for i := 1; i < len(t.Fields); i++ {
		if t.Fields[i-1].End() != t.Fields[i].Offset {
			return false
		}
	}
	return true
}
