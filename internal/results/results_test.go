package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/types"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func sampleDetections() []detect.Detection {
	return []detect.Detection{
		{
			Class:       1,
			Translation: [3]float64{1, 2, 3},
			Rotation:    detect.Rotation{Kind: detect.Quaternion, Values: []float64{1, 0, 0, 0}},
			Box:         detect.Box{Format: detect.CXCYWH, Coords: [4]float64{0.5, 0.5, 0.1, 0.2}},
		},
	}
}

func TestJSONFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.json")
	j := NewJSONFile(path)
	ctx := context.Background()

	if err := j.Record(ctx, Entry{ImageID: "000042", Detections: sampleDetections()}); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, Entry{Index: 7}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]map[string]types.Record
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("results.json is not valid: %v", err)
	}

	rec, ok := got["000042"]["0"]
	if !ok {
		t.Fatalf("missing record for image 000042: %s", raw)
	}
	if rec.Class != 1 || len(rec.T) != 3 || len(rec.Box) != 4 {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(rec.Rot) != 3 || rec.Rot[0][0] != 1 || rec.Rot[1][1] != 1 {
		t.Errorf("rotation should be written as a matrix, got %v", rec.Rot)
	}
	if frame, ok := got["7"]; !ok || len(frame) != 0 {
		t.Errorf("frame without detections should map to an empty object, got %v", got["7"])
	}
}

func TestImageDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d := &ImageDir{Dir: dir}
	if err := d.Record(ctx, Entry{Index: 3, Annotated: []byte("png")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Record(ctx, Entry{Index: 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "3.png")); err != nil {
		t.Errorf("3.png not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "4.png")); !os.IsNotExist(err) {
		t.Error("empty frames should not be written")
	}

	p := &ImageDir{Dir: dir, Name: PredictedName}
	if err := p.Record(ctx, Entry{Name: "rgb_0001.jpg", Annotated: []byte("png")}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rgb_0001_predicted.png")); err != nil {
		t.Errorf("predicted file not written: %v", err)
	}
}

type failingSink struct{ closed bool }

func (f *failingSink) Record(context.Context, Entry) error { return errors.New("disk full") }
func (f *failingSink) Close(context.Context) error         { f.closed = true; return nil }

func TestMultiJoinsErrors(t *testing.T) {
	bad := &failingSink{}
	m := Multi{&ImageDir{Dir: t.TempDir()}, bad}

	if err := m.Record(context.Background(), Entry{Annotated: []byte("x")}); err == nil {
		t.Error("expected joined error")
	}
	if err := m.Close(context.Background()); err != nil || !bad.closed {
		t.Errorf("Close() = %v, closed=%v", err, bad.closed)
	}
}

// TestRedisSinkIntegration runs against a real Redis container.
// It requires Docker to be running.
func TestRedisSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

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

	container, err := tcredis.Run(ctx, "redis:7-alpine", testcontainers.WithLogger(noopLogger{}))
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := NewRedisSink(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisSink failed: %v", err)
	}
	defer sink.Close(ctx)

	if err := sink.Record(ctx, Entry{ImageID: "abc", Detections: sampleDetections()}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	got, err := sink.Read(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(got))
	}
	var rec types.Record
	if err := json.Unmarshal(got["0"], &rec); err != nil || rec.Class != 1 {
		t.Errorf("record = %+v, %v", rec, err)
	}

	ttl, err := sink.Client.TTL(ctx, sink.Prefix+"abc").Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected a TTL on the key, got %v (%v)", ttl, err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
