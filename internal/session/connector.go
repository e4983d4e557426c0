package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/andresmejia3/posewire/internal/wire"
)

// Dial connects to addr and returns a session in the connector role.
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	s := New(conn, opts)
	s.log.Debug().Str("mode", s.opts.Variant.String()).Msg("connected")
	return s, nil
}

// FrameSource adapts a session's receive side to a pull source that reports
// io.EOF on a clean end-of-stream.
type FrameSource struct {
	S *Session
}

// Next returns the next received frame.
func (f FrameSource) Next(ctx context.Context) (wire.Frame, error) {
	fr, err := f.S.ReceiveFrame(ctx)
	if errors.Is(err, wire.ErrClosed) {
		return wire.Frame{}, io.EOF
	}
	return fr, err
}
