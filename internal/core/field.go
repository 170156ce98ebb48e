package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the primitive type of an observed field.
type Kind string

const (
	KindInt8   Kind = "i8"
	KindInt16  Kind = "i16"
	KindInt32  Kind = "i32"
	KindBuffer Kind = "buf"
	KindString Kind = "str"
)

// lengthPrefix is the 2-byte length that precedes every variable-length field on the wire.
const lengthPrefix = 2

// FieldKind is a Kind plus the content length for buf/str fields.
// Len excludes the length prefix and is zero for fixed-width kinds.
type FieldKind struct {
	Kind Kind
	Len  uint32
}

func Int8() FieldKind  { return FieldKind{Kind: KindInt8} }
func Int16() FieldKind { return FieldKind{Kind: KindInt16} }
func Int32() FieldKind { return FieldKind{Kind: KindInt32} }

// Buffer returns a raw byte field of n content bytes.
func Buffer(n uint32) FieldKind { return FieldKind{Kind: KindBuffer, Len: n} }

// String returns a string field of n content bytes.
func String(n uint32) FieldKind { return FieldKind{Kind: KindString, Len: n} }

// ByteLength returns how many buffer bytes a field of this kind consumes.
func (k FieldKind) ByteLength() uint64 {
	switch k.Kind {
	case KindInt8:
		return 1
	case KindInt16:
		return 2
	case KindInt32:
		return 4
	case KindBuffer, KindString:
		return uint64(k.Len) + lengthPrefix
	default:
		return 0
	}
}

// IsVariable reports whether the kind carries a length prefix.
func (k FieldKind) IsVariable() bool {
	return k.Kind == KindBuffer || k.Kind == KindString
}

// Validate checks that k is one of the known kinds.
func (k FieldKind) Validate() error {
	switch k.Kind {
	case KindInt8, KindInt16, KindInt32:
		if k.Len != 0 {
			return fmt.Errorf("%w: %s carries length %d", ErrInvalidFieldKind, k.Kind, k.Len)
		}
		return nil
	case KindBuffer, KindString:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFieldKind, string(k.Kind))
	}
}

// String renders the kind as i8, i16, i32, buf(N) or str(N).
func (k FieldKind) String() string {
	if k.IsVariable() {
		return fmt.Sprintf("%s(%d)", k.Kind, k.Len)
	}
	return string(k.Kind)
}

// MarshalText implements encoding.TextMarshaler.
func (k FieldKind) MarshalText() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FieldKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseFieldKind parses the text form produced by FieldKind.String.
func ParseFieldKind(s string) (FieldKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch Kind(s) {
	case KindInt8:
		return Int8(), nil
	case KindInt16:
		return Int16(), nil
	case KindInt32:
		return Int32(), nil
	}

	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return FieldKind{}, fmt.Errorf("%w: %q", ErrInvalidFieldKind, s)
	}
	kind := Kind(s[:open])
	if kind != KindBuffer && kind != KindString {
		return FieldKind{}, fmt.Errorf("%w: %q", ErrInvalidFieldKind, s)
	}
	n, err := strconv.ParseUint(s[open+1:len(s)-1], 10, 32)
	if err != nil {
		return FieldKind{}, fmt.Errorf("%w: %q: %v", ErrInvalidFieldKind, s, err)
	}
	return FieldKind{Kind: kind, Len: uint32(n)}, nil
}

// CallSiteID identifies the code location that produced a field.
// It is opaque: it is stored and serialized, never resolved.
type CallSiteID uint64

// String renders the id in hex, the way return addresses are usually read.
func (c CallSiteID) String() string {
	return fmt.Sprintf("0x%x", uint64(c))
}

// ParseCallSiteID accepts decimal or 0x-prefixed hex.
func ParseCallSiteID(s string) (CallSiteID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid call site %q: %w", s, err)
	}
	return CallSiteID(v), nil
}

// FieldRecord is one entry of a reconstructed buffer layout.
// A nil Origin marks a synthetic gap covering bytes no observed call produced.
type FieldRecord struct {
	Offset uint64      `json:"offset" yaml:"offset"`
	Kind   FieldKind   `json:"kind" yaml:"kind"`
	Origin *CallSiteID `json:"origin" yaml:"origin"`
}

// NewFieldRecord builds an observed (non-gap) record.
func NewFieldRecord(offset uint64, kind FieldKind, origin CallSiteID) FieldRecord {
	return FieldRecord{Offset: offset, Kind: kind, Origin: &origin}
}

// NewGapRecord builds a synthetic gap of n bytes at offset.
// The gap is expressed as Buffer(n) with no origin.
func NewGapRecord(offset uint64, n uint32) FieldRecord {
	return FieldRecord{Offset: offset, Kind: Buffer(n)}
}

// IsGap reports whether the record was synthesized.
func (r FieldRecord) IsGap() bool {
	return r.Origin == nil
}

// Extent returns the number of buffer bytes the record covers.
// Gaps cover exactly Len bytes: they stand for unobserved bytes, not for a
// prefixed buffer, so the length prefix rule does not apply to them.
func (r FieldRecord) Extent() uint64 {
	if r.IsGap() {
		return uint64(r.Kind.Len)
	}
	return r.Kind.ByteLength()
}

// End returns the offset just past the record.
func (r FieldRecord) End() uint64 {
	return r.Offset + r.Extent()
}
