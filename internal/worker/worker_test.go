package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/utils"
	"github.com/andresmejia3/posewire/internal/wire"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(reply []byte) (*PoseWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock.Write(wire.Encode(binary.LittleEndian, reply))

	return &PoseWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock
}

func TestProcessFrame(t *testing.T) {
	set, err := detect.MarshalSet([]detect.Detection{{
		Class:       2,
		Translation: [3]float64{0.5, 0, 1},
		Rotation:    detect.Rotation{Kind: detect.Quaternion, Values: []float64{1, 0, 0, 0}},
		Box:         detect.Box{Format: detect.CXCYWH, Coords: [4]float64{0.5, 0.5, 0.1, 0.1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	w, stdinMock := newMockWorker(append([]byte{StatusOK}, set...))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	resp, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent a framed message TO Python
	sent, err := wire.Decode(binary.LittleEndian, stdinMock.Bytes())
	if err != nil {
		t.Fatalf("request is not a valid frame: %v", err)
	}
	if !bytes.Equal(sent.Payload, inputFrame) {
		t.Errorf("sent %X, want %X", sent.Payload, inputFrame)
	}

	if len(resp) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(resp))
	}
	if resp[0].Class != 2 || math.Abs(resp[0].Translation[0]-0.5) > 1e-9 {
		t.Errorf("unexpected detection %+v", resp[0])
	}
}

func TestProcessFrame_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := newMockWorker(append([]byte{StatusError}, errMsg...))

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_BadReplies(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"Crash before reply", nil, io.EOF},
		{"Corrupt detection set", wire.Encode(binary.LittleEndian, []byte{StatusOK, 'X', 'X'}), detect.ErrSchema},
		{"Oversized reply", binary.LittleEndian.AppendUint64(nil, 1<<62), wire.ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &PoseWorker{
				Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
				DataPipe: &MockCloser{Buffer: bytes.NewBuffer(tt.raw)},
			}
			if _, err := w.ProcessFrame([]byte("frame")); !errors.Is(err, tt.want) {
				t.Errorf("ProcessFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// blockingPipe never returns data, like a hung Python process. Close
// unblocks pending reads the way closing an os.Pipe does.
type blockingPipe struct {
	done chan struct{}
	once sync.Once
}

func newBlockingPipe() *blockingPipe { return &blockingPipe{done: make(chan struct{})} }

func (b *blockingPipe) Read([]byte) (int, error) { <-b.done; return 0, os.ErrClosed }
func (b *blockingPipe) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func TestEstimateTimeout(t *testing.T) {
	pipe := newBlockingPipe()
	defer pipe.Close()

	w := &PoseWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pipe,
		Timeout:  50 * time.Millisecond,
	}
	_, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("expected ErrWorkerTimeout, got %v", err)
	}

	// Without a way to start a new process the next frame fails fast.
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Error("expected an error from a killed worker")
	}
}

func TestEstimateRestartsAfterTimeout(t *testing.T) {
	set, err := detect.MarshalSet([]detect.Detection{{
		Class:    1,
		Rotation: detect.Rotation{Kind: detect.Quaternion, Values: []float64{1, 0, 0, 0}},
		Box:      detect.Box{Format: detect.CXCYWH, Coords: [4]float64{0.5, 0.5, 0.2, 0.2}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	spawned := 0
	w := &PoseWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: newBlockingPipe(),
		Timeout:  100 * time.Millisecond,
		spawn: func() (*utils.SafeCommand, io.WriteCloser, io.ReadCloser, error) {
			spawned++
			data := &MockCloser{Buffer: new(bytes.Buffer)}
			data.Write(wire.Encode(binary.LittleEndian, append([]byte{StatusOK}, set...)))
			return nil, &MockCloser{Buffer: new(bytes.Buffer)}, data, nil
		},
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	if _, err := w.Estimate(context.Background(), img); !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("frame 1: expected ErrWorkerTimeout, got %v", err)
	}
	dets, err := w.Estimate(context.Background(), img)
	if err != nil {
		t.Fatalf("frame 2 failed after restart: %v", err)
	}
	if len(dets) != 1 || dets[0].Class != 1 {
		t.Errorf("frame 2 detections = %+v", dets)
	}
	if spawned != 1 || w.Restarts != 1 {
		t.Errorf("spawned=%d Restarts=%d, want 1 and 1", spawned, w.Restarts)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
