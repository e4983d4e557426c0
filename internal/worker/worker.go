package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/imaging"
	"github.com/andresmejia3/posewire/internal/utils" // Using the SafeCommand wrapper
	"github.com/andresmejia3/posewire/internal/wire"
)

// Reply status bytes written by the Python side.
const (
	StatusOK    = 0
	StatusError = 1
)

// ErrWorkerTimeout is returned when the worker does not answer in time. The
// process is killed because its pipes are out of sync after a timeout, and a
// fresh one is started for the next frame.
var ErrWorkerTimeout = errors.New("python worker timed out")

// spawnFunc starts a worker process and returns its request and reply pipes.
type spawnFunc func() (*utils.SafeCommand, io.WriteCloser, io.ReadCloser, error)

// PoseWorker drives a Python pose model over stdin (requests) and FD 3
// (replies). Both directions use the wire framing; replies carry a status
// byte followed by a detection set or an error message.
type PoseWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	Order      binary.ByteOrder
	MaxPayload uint64

	// Timeout bounds one Estimate call. Zero means no limit.
	Timeout time.Duration

	// Restarts counts processes started to replace a killed one.
	Restarts int

	mu    sync.Mutex
	dead  atomic.Bool
	spawn spawnFunc
}

// NewPoseWorker starts `python3 -u script`.
func NewPoseWorker(id int, script string) (*PoseWorker, error) {
	spawn := func() (*utils.SafeCommand, io.WriteCloser, io.ReadCloser, error) {
		return startPython(id, script)
	}
	py, stdin, data, err := spawn()
	if err != nil {
		return nil, err
	}
	return &PoseWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: data,
		spawn:    spawn,
	}, nil
}

func startPython(id int, script string) (*utils.SafeCommand, io.WriteCloser, io.ReadCloser, error) {
	py := utils.NewSafeCommand("python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, nil, nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()
	return py, stdin, r, nil
}

// restart replaces a killed process. Callers hold mu.
func (w *PoseWorker) restart() error {
	if w.spawn == nil {
		return fmt.Errorf("worker %d was killed and cannot be restarted", w.ID)
	}
	if w.Cmd != nil {
		_ = w.Cmd.Wait()
	}
	py, stdin, data, err := w.spawn()
	if err != nil {
		return fmt.Errorf("restart worker %d: %w", w.ID, err)
	}
	w.Cmd, w.Stdin, w.DataPipe = py, stdin, data
	w.Restarts++
	w.dead.Store(false)
	return nil
}

// ProcessFrame sends one encoded image and decodes the detections.
func (w *PoseWorker) ProcessFrame(data []byte) ([]detect.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead.Load() {
		if err := w.restart(); err != nil {
			return nil, err
		}
	}

	order := w.order()
	if _, err := w.Stdin.Write(wire.Encode(order, data)); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err) // This is where we catch the "ModuleNotFoundError" crash
	}
	n, err := wire.DecodePrefix(order, header)
	if err != nil {
		return nil, err
	}
	limit := w.MaxPayload
	if limit == 0 {
		limit = wire.DefaultMaxPayload
	}
	if n > limit {
		return nil, fmt.Errorf("%w: worker reply of %d bytes", wire.ErrPayloadTooLarge, n)
	}
	if n == 0 {
		return nil, fmt.Errorf("empty reply from python worker")
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("read reply body: %w", err)
	}

	switch body[0] {
	case StatusOK:
		return detect.UnmarshalSet(body[1:])
	case StatusError:
		return nil, fmt.Errorf("python worker error: %s", body[1:])
	default:
		return nil, fmt.Errorf("python worker sent unknown status %d", body[0])
	}
}

// Estimate implements orchestrator.Model. The image is sent as PNG.
func (w *PoseWorker) Estimate(ctx context.Context, img image.Image) ([]detect.Detection, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, "png"); err != nil {
		return nil, err
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	type reply struct {
		dets []detect.Detection
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		d, err := w.ProcessFrame(buf.Bytes())
		done <- reply{d, err}
	}()

	select {
	case r := <-done:
		return r.dets, r.err
	case <-ctx.Done():
		w.kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrWorkerTimeout
		}
		return nil, ctx.Err()
	}
}

func (w *PoseWorker) order() binary.ByteOrder {
	if w.Order == nil {
		return binary.LittleEndian
	}
	return w.Order
}

// kill stops the process and closes its pipes so a blocked ProcessFrame
// returns. The next ProcessFrame starts a new process.
func (w *PoseWorker) kill() {
	w.dead.Store(true)
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Close shuts the worker down and waits for it to exit.
func (w *PoseWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.dead.Load() {
		// A killed process exits with a signal status.
		return nil
	}
	return err
}
