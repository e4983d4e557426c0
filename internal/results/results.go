// Package results persists per-frame detections and annotated images.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/types"
)

// Entry is everything known about one processed frame.
type Entry struct {
	SessionID  string
	ImageID    string
	Index      int
	Name       string // source file name, if any
	Detections []detect.Detection
	Annotated  []byte
}

// Key returns the identifier results are grouped by: the image id when known,
// the frame index otherwise.
func (e Entry) Key() string {
	if e.ImageID != "" {
		return e.ImageID
	}
	return strconv.Itoa(e.Index)
}

// Sink receives entries. Implementations need not be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close(ctx context.Context) error
}

// Multi fans an entry out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToRecord converts a detection into its results.json shape. The rotation
// is written as a 3x3 matrix when it converts, raw values otherwise.
func ToRecord(d detect.Detection) types.Record {
	r := types.Record{
		T:     d.Translation[:],
		Box:   d.Box.Coords[:],
		Class: d.Class,
	}
	if m, err := d.Rotation.Matrix(); err == nil {
		r.Rot = [][]float64{m[0][:], m[1][:], m[2][:]}
	} else {
		r.Rot = [][]float64{d.Rotation.Values}
	}
	return r
}

// Records converts a detection list keyed by position, as in results.json.
func Records(dets []detect.Detection) map[string]types.Record {
	out := make(map[string]types.Record, len(dets))
	for i, d := range dets {
		out[strconv.Itoa(i)] = ToRecord(d)
	}
	return out
}

// JSONFile collects every entry and writes results.json on Close:
//
//	{"<image id>": {"0": {"t": [...], "rot": [[...]], "box": [...], "class": n}}}
type JSONFile struct {
	Path string

	mu   sync.Mutex
	data map[string]map[string]types.Record
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path, data: map[string]map[string]types.Record{}}
}

func (j *JSONFile) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.data[e.Key()] = Records(e.Detections)
	return nil
}

func (j *JSONFile) Close(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(j.data)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	return os.WriteFile(j.Path, b, 0o644)
}

// ImageDir writes each entry's annotated image into Dir.
type ImageDir struct {
	Dir string
	// Name picks the file name. The default is "<index>.png".
	Name func(e Entry) string
}

func (d *ImageDir) Record(_ context.Context, e Entry) error {
	if len(e.Annotated) == 0 {
		return nil
	}
	name := strconv.Itoa(e.Index) + ".png"
	if d.Name != nil {
		name = d.Name(e)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.Dir, name), e.Annotated, 0o644)
}

func (d *ImageDir) Close(context.Context) error { return nil }

// PredictedName names output files "<source stem>_predicted.png".
func PredictedName(e Entry) string {
	if e.Name == "" {
		return strconv.Itoa(e.Index) + "_predicted.png"
	}
	stem := e.Name[:len(e.Name)-len(filepath.Ext(e.Name))]
	return stem + "_predicted.png"
}
