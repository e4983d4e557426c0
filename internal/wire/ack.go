package wire

import (
	"fmt"
	"strings"
)

// TokenSize is the size of an acknowledgement token.
const TokenSize = 3

// Token is a fixed 3-byte acknowledgement marker.
type Token [TokenSize]byte

var (
	// AckLength confirms the length prefix was received.
	AckLength = Token{'S', 'Z', 'E'}
	// AckPayload confirms the full payload was received.
	AckPayload = Token{'I', 'M', 'G'}
)

func (t Token) String() string { return string(t[:]) }

// Variant selects how messages are paced on a session.
type Variant int

const (
	// Streamed sends length and payload back to back without confirmation.
	Streamed Variant = iota
	// AckPaced waits for AckLength after the prefix and AckPayload after the
	// payload before the sender proceeds.
	AckPaced
)

func (v Variant) String() string {
	switch v {
	case Streamed:
		return "stream"
	case AckPaced:
		return "ack"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps a flag value onto a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stream", "streamed", "a":
		return Streamed, nil
	case "ack", "ack-paced", "b":
		return AckPaced, nil
	default:
		return Streamed, fmt.Errorf("unknown protocol mode %q (use stream or ack)", s)
	}
}
