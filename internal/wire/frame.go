// Package wire implements the length-prefixed frame protocol spoken between
// the capture client and the inference server.
//
// A message is an 8-byte unsigned length followed by exactly that many
// payload bytes. There is no checksum and no type tag: both ends agree on the
// sequence of message kinds out of band.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 8

// DefaultMaxPayload caps a single payload unless the caller overrides it.
const DefaultMaxPayload = 64 * 1024 * 1024

// Frame is one logical unit of payload data exchanged over a connection.
// The codec never inspects Payload.
type Frame struct {
	Payload []byte
}

// Length returns the payload size as carried in the length prefix.
func (f Frame) Length() uint64 { return uint64(len(f.Payload)) }

// Encode returns prefix(len(payload)) ++ payload.
func Encode(order binary.ByteOrder, payload []byte) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(payload)), order, payload)
}

// AppendEncode appends the encoded message to dst and returns the extended slice.
func AppendEncode(dst []byte, order binary.ByteOrder, payload []byte) []byte {
	dst = AppendHeader(dst, order, uint64(len(payload)))
	return append(dst, payload...)
}

// AppendHeader appends only the length prefix.
func AppendHeader(dst []byte, order binary.ByteOrder, length uint64) []byte {
	var hdr [HeaderSize]byte
	order.PutUint64(hdr[:], length)
	return append(dst, hdr[:]...)
}

// DecodePrefix parses the fixed-size header. Extra bytes after the first
// eight are ignored.
func DecodePrefix(order binary.ByteOrder, header []byte) (uint64, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(header), HeaderSize)
	}
	return order.Uint64(header[:HeaderSize]), nil
}

// Decode parses exactly one complete message.
func Decode(order binary.ByteOrder, msg []byte) (Frame, error) {
	n, err := DecodePrefix(order, msg)
	if err != nil {
		return Frame{}, err
	}
	body := msg[HeaderSize:]
	if uint64(len(body)) < n {
		return Frame{}, fmt.Errorf("%w: have %d of %d payload bytes", ErrTruncatedStream, len(body), n)
	}
	return Frame{Payload: body[:n]}, nil
}

// ParseByteOrder maps a config string onto a byte order. "native" means the
// little-endian layout produced by the x86 peers.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le", "native":
		return binary.LittleEndian, nil
	case "big", "be", "network":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q (use little or big)", s)
	}
}
