package wire

import "errors"

var (
	// ErrMalformedHeader means fewer than 8 bytes were available where a
	// length prefix was expected.
	ErrMalformedHeader = errors.New("wire: malformed header")

	// ErrTruncatedStream means the peer disconnected mid-header or mid-payload.
	ErrTruncatedStream = errors.New("wire: truncated stream")

	// ErrClosed reports a clean end-of-stream on a message boundary.
	ErrClosed = errors.New("wire: stream closed")

	// ErrPayloadTooLarge means a header announced more bytes than the
	// configured cap allows.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds limit")

	// ErrUnexpectedAck means the peer answered with the wrong token in
	// ack-paced mode.
	ErrUnexpectedAck = errors.New("wire: unexpected acknowledgement")
)

// IsSessionEnd reports whether err terminates a session. ErrClosed is a clean
// end, the others are transport failures.
func IsSessionEnd(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrTruncatedStream) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrUnexpectedAck)
}
