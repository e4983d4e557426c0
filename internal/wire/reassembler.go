package wire

import (
	"encoding/binary"
	"fmt"
)

// State is the parse state of a Reassembler.
type State int

const (
	AwaitingHeader State = iota
	AwaitingPayload
)

func (s State) String() string {
	if s == AwaitingPayload {
		return "awaiting-payload"
	}
	return "awaiting-header"
}

// Reassembler turns bytes arriving in arbitrarily sized chunks into complete
// frames. Chunks may split a header, split a payload, or hold several
// messages back to back.
//
// A Reassembler is owned by a single session and is not safe for concurrent use.
type Reassembler struct {
	// OnHeader, if set, runs once per parsed length prefix before any payload
	// byte is consumed. An error aborts Next.
	OnHeader func(length uint64) error

	order      binary.ByteOrder
	maxPayload uint64

	buf      []byte
	off      int
	state    State
	expected uint64
}

// NewReassembler returns a reassembler in AwaitingHeader. maxPayload <= 0
// selects DefaultMaxPayload.
func NewReassembler(order binary.ByteOrder, maxPayload int64) *Reassembler {
	if order == nil {
		order = binary.LittleEndian
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reassembler{order: order, maxPayload: uint64(maxPayload)}
}

// State returns the current parse state.
func (r *Reassembler) State() State { return r.state }

// Expected returns the announced payload length while in AwaitingPayload.
func (r *Reassembler) Expected() uint64 { return r.expected }

// Buffered returns the number of bytes held but not yet emitted.
func (r *Reassembler) Buffered() int { return len(r.buf) - r.off }

// Feed appends a chunk. The chunk is copied.
func (r *Reassembler) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	// Compact once the consumed prefix dominates the buffer.
	if r.off > 0 && r.off >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	r.buf = append(r.buf, chunk...)
}

// Next emits the next complete frame if one is buffered. It returns
// ok == false when more bytes are needed. Leftover bytes stay buffered, so
// callers drain every frame of a chunk by calling Next until ok is false.
func (r *Reassembler) Next() (Frame, bool, error) {
	for {
		switch r.state {
		case AwaitingHeader:
			if r.Buffered() < HeaderSize {
				return Frame{}, false, nil
			}
			n, err := DecodePrefix(r.order, r.buf[r.off:])
			if err != nil {
				return Frame{}, false, err
			}
			if n > r.maxPayload {
				return Frame{}, false, fmt.Errorf("%w: announced %d bytes, limit %d", ErrPayloadTooLarge, n, r.maxPayload)
			}
			r.off += HeaderSize
			r.state = AwaitingPayload
			r.expected = n
			if r.OnHeader != nil {
				if err := r.OnHeader(n); err != nil {
					return Frame{}, false, err
				}
			}

		case AwaitingPayload:
			if uint64(r.Buffered()) < r.expected {
				return Frame{}, false, nil
			}
			end := r.off + int(r.expected)
			payload := make([]byte, r.expected)
			copy(payload, r.buf[r.off:end])
			r.off = end
			r.state = AwaitingHeader
			r.expected = 0
			if r.off == len(r.buf) {
				r.buf = r.buf[:0]
				r.off = 0
			}
			return Frame{Payload: payload}, true, nil
		}
	}
}

// Take removes exactly n raw bytes from the front of the buffer. It is only
// valid between messages and reports false when fewer than n are buffered.
func (r *Reassembler) Take(n int) ([]byte, bool) {
	if r.state != AwaitingHeader || r.Buffered() < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, true
}

// Finish reports how an end-of-stream should be interpreted: ErrClosed on a
// clean message boundary, ErrTruncatedStream otherwise.
func (r *Reassembler) Finish() error {
	if r.state == AwaitingHeader && r.Buffered() == 0 {
		return ErrClosed
	}
	if r.state == AwaitingPayload {
		return fmt.Errorf("%w: %d of %d payload bytes received", ErrTruncatedStream, r.Buffered(), r.expected)
	}
	return fmt.Errorf("%w: %d of %d header bytes received", ErrTruncatedStream, r.Buffered(), HeaderSize)
}

// Reset discards buffered bytes and returns to AwaitingHeader.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.off = 0
	r.state = AwaitingHeader
	r.expected = 0
}
