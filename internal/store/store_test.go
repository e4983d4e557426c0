package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("posewire_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if err := s.BeginSession(ctx, "sess-1", "127.0.0.1:5555", "stream"); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	det := detect.Detection{
		Class:       4,
		Translation: [3]float64{0.1, 0.2, 0.3},
		Rotation:    detect.Rotation{Kind: detect.Quaternion, Values: []float64{1, 0, 0, 0}},
		Box:         detect.Box{Format: detect.CXCYWH, Coords: [4]float64{0.5, 0.5, 0.2, 0.2}},
	}
	for i := 0; i < 2; i++ {
		err := s.Record(ctx, results.Entry{SessionID: "sess-1", Index: i, Detections: []detect.Detection{det, det}})
		if err != nil {
			t.Fatalf("Record frame %d failed: %v", i, err)
		}
	}
	// Frames without detections are a no-op.
	if err := s.Record(ctx, results.Entry{SessionID: "sess-1", Index: 2}); err != nil {
		t.Fatalf("Record empty failed: %v", err)
	}

	if err := s.EndSession(ctx, "sess-1", 3, 3, errors.New("wire: truncated stream")); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.FramesIn != 3 || got.Objects != 4 || got.EndedAt == nil || got.Error == nil {
		t.Errorf("unexpected session row %+v", got)
	}

	rows, err := s.DetectionsFor(ctx, "sess-1")
	if err != nil {
		t.Fatalf("DetectionsFor failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expected 4 detections, got %d", len(rows))
	}
	if rows[0].Class != 4 || rows[0].RotKind != "quat" || len(rows[0].Translation) != 3 || rows[3].FrameIndex != 1 {
		t.Errorf("unexpected detection rows %+v", rows)
	}

	// Restarting a session clears its detections.
	if err := s.BeginSession(ctx, "sess-1", "127.0.0.1:5556", "ack"); err != nil {
		t.Fatal(err)
	}
	if rows, _ := s.DetectionsFor(ctx, "sess-1"); len(rows) != 0 {
		t.Errorf("Expected detections cleared, got %d", len(rows))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx, 10); err == nil {
		t.Error("Expected error listing sessions after tables were dropped")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
