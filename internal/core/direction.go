package core

import (
	"fmt"
	"strings"
)

// Direction is the side of the protocol a buffer belongs to.
type Direction string

const (
	// Outbound buffers are encoded by the client and sent.
	Outbound Direction = "outbound"
	// Inbound buffers are received and decoded by the client.
	Inbound Direction = "inbound"
)

// Directions lists both directions in a stable order.
var Directions = []Direction{Outbound, Inbound}

// HeaderOffset is where payload bytes start in the underlying buffer.
// Inbound buffers carry a 4-byte receive header ahead of the payload.
func (d Direction) HeaderOffset() int {
	if d == Inbound {
		return 4
	}
	return 0
}

// Short returns the send/recv name used by config keys and file names.
func (d Direction) Short() string {
	if d == Inbound {
		return "recv"
	}
	return "send"
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Outbound || d == Inbound
}

func (d Direction) String() string { return string(d) }

// ParseDirection accepts outbound/send/out and inbound/recv/in.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "outbound", "send", "out":
		return Outbound, nil
	case "inbound", "recv", "receive", "in":
		return Inbound, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}
