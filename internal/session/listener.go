package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Listener.
type State int

const (
	Idle State = iota
	Listening
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler runs one session to completion. Returning wire.ErrClosed (or nil)
// marks a clean disconnect.
type Handler func(ctx context.Context, s *Session) error

// Listener accepts one connection at a time and hands each to a Handler.
// Further clients queue in the kernel backlog until the active session ends.
type Listener struct {
	Addr string
	Opts Options

	// MaxSessions stops Serve after that many sessions. Zero means no limit.
	MaxSessions int

	// OnSessionEnd runs after each session with the handler's result.
	OnSessionEnd func(s *Session, err error)

	mu    sync.Mutex
	state State
	ln    net.Listener
	log   *logger.Logger
}

// NewListener returns an Idle listener for addr.
func NewListener(addr string, opts Options) *Listener {
	opts = opts.withDefaults()
	return &Listener{Addr: addr, Opts: opts, log: opts.Logger}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Listen binds the address. It is called implicitly by Serve.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Listening, Active:
		return nil
	case Closed:
		return net.ErrClosed
	}
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.Addr, err)
	}
	l.ln = ln
	l.state = Listening
	l.log.Info().Str("addr", ln.Addr().String()).Str("mode", l.Opts.Variant.String()).Msg("listening")
	return nil
}

// BoundAddr returns the bound address, useful when Addr used port 0.
func (l *Listener) BoundAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections sequentially until ctx is cancelled, the
// listener is closed, or MaxSessions is reached. A failing session never
// terminates the listener.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	if err := l.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	served := 0
	for l.MaxSessions == 0 || served < l.MaxSessions {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.setState(Closed)
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			l.setState(Closed)
			return fmt.Errorf("accept: %w", err)
		}
		served++
		l.runSession(ctx, conn, h)
	}
	return l.Close()
}

func (l *Listener) runSession(ctx context.Context, conn net.Conn, h Handler) {
	l.setState(Active)
	defer func() {
		l.mu.Lock()
		if l.state == Active {
			l.state = Listening
		}
		l.mu.Unlock()
	}()

	s := New(conn, l.Opts)
	s.log.Info().Msg("client connected")
	start := time.Now()

	err := h(ctx, s)
	_ = s.Close()

	st := s.Stats()
	var ev *zerolog.Event
	switch {
	case err == nil || errors.Is(err, wire.ErrClosed):
		err = nil
		ev = s.log.Info()
	case ctx.Err() != nil:
		ev = s.log.Info().Err(err)
	case wire.IsSessionEnd(err):
		ev = s.log.Warn().Err(err)
	default:
		ev = s.log.Error().Err(err)
	}
	ev.Uint64("frames_in", st.FramesIn).
		Uint64("frames_out", st.FramesOut).
		Dur("elapsed", time.Since(start)).
		Msg("client disconnected")

	if l.OnSessionEnd != nil {
		l.OnSessionEnd(s, err)
	}
}

// Close stops accepting. It does not interrupt an active handler; cancel
// the context passed to Serve for that.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil
	}
	l.state = Closed
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
