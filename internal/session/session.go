// Package session owns one stream connection and speaks the wire protocol
// over it: framing on send, reassembly on receive, and the optional
// acknowledgement handshake.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/google/uuid"
)

// DefaultReadSize is the size of one receive call.
const DefaultReadSize = 4096

// Options configures a Session.
type Options struct {
	Variant    wire.Variant
	ByteOrder  binary.ByteOrder
	MaxPayload int64

	// ReadTimeout and WriteTimeout bound each underlying I/O call. Zero
	// means no timeout: an unresponsive peer stalls the session until the
	// context is cancelled.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReadSize int
	Logger   *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.ByteOrder == nil {
		o.ByteOrder = binary.LittleEndian
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = wire.DefaultMaxPayload
	}
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Stats is a snapshot of session counters.
type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Session is one active connection.
//
// ReceiveFrame and SendFrame each assume a single caller. In the streamed
// variant one goroutine may receive while another sends; in the ack-paced
// variant sending reads tokens from the connection, so both must run on the
// same goroutine.
type Session struct {
	ID string

	conn io.ReadWriteCloser
	opts Options
	log  *logger.Logger

	reasm *wire.Reassembler
	rbuf  []byte
	eof   bool

	framesIn, framesOut atomic.Uint64
	bytesIn, bytesOut   atomic.Uint64
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type halfCloser interface {
	CloseWrite() error
}

// New wraps conn in a Session. The session takes ownership of conn.
func New(conn io.ReadWriteCloser, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	s := &Session{
		ID:    id,
		conn:  conn,
		opts:  opts,
		reasm: wire.NewReassembler(opts.ByteOrder, opts.MaxPayload),
		rbuf:  make([]byte, opts.ReadSize),
	}
	l := opts.Logger.With().Str("session", id[:8]).Str("remote", s.RemoteAddr()).Logger()
	s.log = &l
	return s
}

// Variant returns the configured protocol variant.
func (s *Session) Variant() wire.Variant { return s.opts.Variant }

// RemoteAddr returns the peer address when the connection exposes one.
func (s *Session) RemoteAddr() string {
	if c, ok := s.conn.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return "pipe"
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}

// SendFrame blocks until the full message has been written. In ack-paced
// mode it also waits for both acknowledgement tokens.
func (s *Session) SendFrame(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := s.interruptOn(ctx)
	defer stop()

	hdr := wire.AppendHeader(make([]byte, 0, wire.HeaderSize), s.opts.ByteOrder, uint64(len(payload)))

	switch s.opts.Variant {
	case wire.AckPaced:
		if err := s.write(ctx, hdr); err != nil {
			return err
		}
		if err := s.expectToken(ctx, wire.AckLength); err != nil {
			return err
		}
		if err := s.write(ctx, payload); err != nil {
			return err
		}
		if err := s.expectToken(ctx, wire.AckPayload); err != nil {
			return err
		}
	default:
		if err := s.write(ctx, hdr); err != nil {
			return err
		}
		if err := s.write(ctx, payload); err != nil {
			return err
		}
	}

	s.framesOut.Add(1)
	s.bytesOut.Add(uint64(len(payload)))
	s.log.Trace().Int("bytes", len(payload)).Msg("frame sent")
	return nil
}

// ReceiveFrame blocks until a complete frame is available. It returns
// wire.ErrClosed on a clean end-of-stream and wire.ErrTruncatedStream if
// the peer disconnected mid-message.
func (s *Session) ReceiveFrame(ctx context.Context) (wire.Frame, error) {
	if err := ctx.Err(); err != nil {
		return wire.Frame{}, err
	}
	stop := s.interruptOn(ctx)
	defer stop()

	if s.opts.Variant == wire.AckPaced {
		s.reasm.OnHeader = func(uint64) error {
			return s.write(ctx, wire.AckLength[:])
		}
	} else {
		s.reasm.OnHeader = nil
	}

	for {
		f, ok, err := s.reasm.Next()
		if err != nil {
			return wire.Frame{}, err
		}
		if ok {
			if s.opts.Variant == wire.AckPaced {
				if err := s.write(ctx, wire.AckPayload[:]); err != nil {
					return wire.Frame{}, err
				}
			}
			s.framesIn.Add(1)
			s.bytesIn.Add(f.Length())
			s.log.Trace().Uint64("bytes", f.Length()).Msg("frame received")
			return f, nil
		}
		if s.eof {
			return wire.Frame{}, s.reasm.Finish()
		}
		if err := s.fill(ctx); err != nil {
			return wire.Frame{}, err
		}
	}
}

// CloseWrite half-closes the connection so the peer observes a clean
// end-of-stream while this side can still read replies.
func (s *Session) CloseWrite() error {
	if hc, ok := s.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return fmt.Errorf("half close: %w", errors.ErrUnsupported)
}

// Close releases the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// fill performs one underlying read and feeds the reassembler.
func (s *Session) fill(ctx context.Context) error {
	if d, ok := s.conn.(deadliner); ok && s.opts.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	n, err := s.conn.Read(s.rbuf)
	if n > 0 {
		s.reasm.Feed(s.rbuf[:n])
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
		return nil
	}
	return s.ioError(ctx, "read", err)
}

// write retries until p is fully written or the connection errors.
func (s *Session) write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		if d, ok := s.conn.(deadliner); ok && s.opts.WriteTimeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		}
		n, err := s.conn.Write(p)
		if err != nil {
			return s.ioError(ctx, "write", err)
		}
		if n == 0 {
			return s.ioError(ctx, "write", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

// expectToken reads exactly one acknowledgement token.
func (s *Session) expectToken(ctx context.Context, want wire.Token) error {
	for {
		if tok, ok := s.reasm.Take(wire.TokenSize); ok {
			if !bytes.Equal(tok, want[:]) {
				return fmt.Errorf("%w: got %q, want %q", wire.ErrUnexpectedAck, tok, want.String())
			}
			return nil
		}
		if s.eof {
			return fmt.Errorf("%w: peer closed while waiting for %s", wire.ErrTruncatedStream, want)
		}
		if err := s.fill(ctx); err != nil {
			return err
		}
	}
}

// interruptOn expires the connection deadlines when ctx is cancelled so a
// blocked read or write returns.
func (s *Session) interruptOn(ctx context.Context) func() {
	d, ok := s.conn.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		_ = d.SetReadDeadline(past)
		_ = d.SetWriteDeadline(past)
	})
	return func() { stop() }
}

func (s *Session) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s %s: %w", op, s.RemoteAddr(), err)
}
