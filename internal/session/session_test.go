package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/posewire/internal/wire"
)

// startListener serves h on a loopback port and returns the bound address
// plus a channel carrying each session's result.
func startListener(t *testing.T, opts Options, maxSessions int, h Handler) (string, <-chan error, *Listener) {
	t.Helper()
	l := NewListener("127.0.0.1:0", opts)
	l.MaxSessions = maxSessions
	results := make(chan error, maxSessions+1)
	l.OnSessionEnd = func(_ *Session, err error) { results <- err }
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.BoundAddr().String(), results, l
}

func echoLengths(ctx context.Context, s *Session) error {
	for {
		f, err := s.ReceiveFrame(ctx)
		if err != nil {
			return err
		}
		reply := []byte(fmt.Sprintf("%d", f.Length()))
		if err := s.SendFrame(ctx, reply); err != nil {
			return err
		}
	}
}

func TestStreamedEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, results, _ := startListener(t, Options{Variant: wire.Streamed}, 1, echoLengths)

	c, err := Dial(ctx, addr, Options{Variant: wire.Streamed})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	payloads := [][]byte{
		bytes.Repeat([]byte{0xAB}, 10),
		{},
		bytes.Repeat([]byte{0x01}, 70000),
	}
	for _, p := range payloads {
		if err := c.SendFrame(ctx, p); err != nil {
			t.Fatalf("SendFrame failed: %v", err)
		}
	}
	if err := c.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	for i, p := range payloads {
		f, err := c.ReceiveFrame(ctx)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if want := fmt.Sprintf("%d", len(p)); string(f.Payload) != want {
			t.Errorf("reply %d = %q, want %q", i, f.Payload, want)
		}
	}
	if _, err := c.ReceiveFrame(ctx); !errors.Is(err, wire.ErrClosed) {
		t.Errorf("expected ErrClosed after last reply, got %v", err)
	}

	select {
	case err := <-results:
		if err != nil {
			t.Errorf("server session ended with %v, want clean close", err)
		}
	case <-ctx.Done():
		t.Fatal("server never reported the session end")
	}

	st := c.Stats()
	if st.FramesOut != 3 || st.FramesIn != 3 {
		t.Errorf("client stats = %+v", st)
	}
}

func TestAckPacedEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := Options{Variant: wire.AckPaced, ByteOrder: binary.BigEndian, ReadSize: 3}
	addr, results, _ := startListener(t, opts, 1, echoLengths)

	c, err := Dial(ctx, addr, opts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	for _, n := range []int{1, 0, 5000} {
		if err := c.SendFrame(ctx, bytes.Repeat([]byte{'x'}, n)); err != nil {
			t.Fatalf("SendFrame(%d) failed: %v", n, err)
		}
		f, err := c.ReceiveFrame(ctx)
		if err != nil {
			t.Fatalf("ReceiveFrame after %d failed: %v", n, err)
		}
		if want := fmt.Sprintf("%d", n); string(f.Payload) != want {
			t.Errorf("reply = %q, want %q", f.Payload, want)
		}
	}
	c.Close()

	select {
	case err := <-results:
		if err != nil {
			t.Errorf("server session ended with %v", err)
		}
	case <-ctx.Done():
		t.Fatal("server never reported the session end")
	}
}

func TestAckPacedRejectsWrongToken(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	s := New(client, Options{Variant: wire.AckPaced})
	defer s.Close()

	go func() {
		hdr := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(peer, hdr); err != nil {
			return
		}
		_, _ = peer.Write([]byte("XYZ"))
	}()

	err := s.SendFrame(context.Background(), []byte("payload"))
	if !errors.Is(err, wire.ErrUnexpectedAck) {
		t.Fatalf("expected ErrUnexpectedAck, got %v", err)
	}
}

func TestReceiveTruncated(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"Clean", nil, wire.ErrClosed},
		{"Mid header", []byte{1, 0, 0}, wire.ErrTruncatedStream},
		{"Mid payload", append(binary.LittleEndian.AppendUint64(nil, 100), make([]byte, 10)...), wire.ErrTruncatedStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, peer := net.Pipe()
			s := New(client, Options{})
			defer s.Close()

			go func() {
				_, _ = peer.Write(tt.raw)
				peer.Close()
			}()

			_, err := s.ReceiveFrame(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("ReceiveFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReceiveHonorsCancellation(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	s := New(client, Options{})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.ReceiveFrame(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestListenerSurvivesFailedSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := Options{MaxPayload: 1024}
	var mu sync.Mutex
	var got [][]byte
	addr, results, l := startListener(t, opts, 2, func(ctx context.Context, s *Session) error {
		for {
			f, err := s.ReceiveFrame(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			got = append(got, f.Payload)
			mu.Unlock()
		}
	})

	// First client announces a payload over the cap.
	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = bad.Write(binary.LittleEndian.AppendUint64(nil, 1<<40))

	select {
	case err := <-results:
		if !errors.Is(err, wire.ErrPayloadTooLarge) {
			t.Errorf("first session error = %v, want ErrPayloadTooLarge", err)
		}
	case <-ctx.Done():
		t.Fatal("first session never ended")
	}
	bad.Close()

	good, err := Dial(ctx, addr, opts)
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	if err := good.SendFrame(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	good.Close()

	select {
	case err := <-results:
		if err != nil {
			t.Errorf("second session error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("second session never ended")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Errorf("received %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.State() != Closed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if l.State() != Closed {
		t.Errorf("listener state = %v after MaxSessions, want closed", l.State())
	}
}

func TestFrameSourceEOF(t *testing.T) {
	client, peer := net.Pipe()
	s := New(client, Options{})
	defer s.Close()

	go func() {
		_, _ = peer.Write(wire.Encode(binary.LittleEndian, []byte("one")))
		peer.Close()
	}()

	src := FrameSource{S: s}
	f, err := src.Next(context.Background())
	if err != nil || string(f.Payload) != "one" {
		t.Fatalf("Next() = %q, %v", f.Payload, err)
	}
	if _, err := src.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Listening: "listening", Active: "active", Closed: "closed"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
