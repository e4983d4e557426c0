package detect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrSchema is returned for any detection set that does not match the
// version 1 layout.
var ErrSchema = errors.New("detect: invalid detection set")

const (
	schemaVersion = 1
	// MaxDetections bounds the record count of one set.
	MaxDetections = 1024
	maxRotation   = 16
)

var magic = [2]byte{'D', 'S'}

// MarshalSet encodes detections in the version 1 wire layout (big endian):
//
//	"DS" u8(version) u32(count)
//	count × { i32 class, 3×f32 t, u8 kind, u8 n, n×f32 rot, u8 box format, 4×f32 box }
func MarshalSet(dets []Detection) ([]byte, error) {
	if len(dets) > MaxDetections {
		return nil, fmt.Errorf("%w: %d detections, limit %d", ErrSchema, len(dets), MaxDetections)
	}
	out := make([]byte, 0, 7+len(dets)*64)
	out = append(out, magic[:]...)
	out = append(out, schemaVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(dets)))

	for i, d := range dets {
		if n := len(d.Rotation.Values); n > maxRotation || n != d.Rotation.Kind.Len() {
			return nil, fmt.Errorf("%w: detection %d: %d values for rotation %s", ErrSchema, i, n, d.Rotation.Kind)
		}
		if d.Box.Format > XYXY {
			return nil, fmt.Errorf("%w: detection %d: unknown box format %d", ErrSchema, i, d.Box.Format)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(d.Class))
		for _, v := range d.Translation {
			out = appendF32(out, v)
		}
		out = append(out, byte(d.Rotation.Kind), byte(len(d.Rotation.Values)))
		for _, v := range d.Rotation.Values {
			out = appendF32(out, v)
		}
		out = append(out, byte(d.Box.Format))
		for _, v := range d.Box.Coords {
			out = appendF32(out, v)
		}
	}
	return out, nil
}

// UnmarshalSet decodes a set produced by MarshalSet. Trailing bytes, unknown
// versions, unknown tags and over-limit counts are all ErrSchema.
func UnmarshalSet(b []byte) ([]Detection, error) {
	r := reader{b: b}
	var hdr [3]byte
	r.bytes(hdr[:])
	if r.err != nil || hdr[0] != magic[0] || hdr[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad magic", ErrSchema)
	}
	if hdr[2] != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSchema, hdr[2])
	}
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if count > MaxDetections {
		return nil, fmt.Errorf("%w: %d detections, limit %d", ErrSchema, count, MaxDetections)
	}

	dets := make([]Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var d Detection
		d.Class = int32(r.u32())
		for j := range d.Translation {
			d.Translation[j] = r.f32()
		}
		d.Rotation.Kind = RotationKind(r.u8())
		n := int(r.u8())
		if r.err == nil && (n > maxRotation || d.Rotation.Kind.Len() != n) {
			return nil, fmt.Errorf("%w: detection %d: %d values for rotation %s", ErrSchema, i, n, d.Rotation.Kind)
		}
		d.Rotation.Values = make([]float64, n)
		for j := range d.Rotation.Values {
			d.Rotation.Values[j] = r.f32()
		}
		d.Box.Format = BoxFormat(r.u8())
		if r.err == nil && d.Box.Format > XYXY {
			return nil, fmt.Errorf("%w: detection %d: unknown box format %d", ErrSchema, i, d.Box.Format)
		}
		for j := range d.Box.Coords {
			d.Box.Coords[j] = r.f32()
		}
		if r.err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, r.err)
		}
		dets = append(dets, d)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSchema, len(r.b))
	}
	return dets, nil
}

func appendF32(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v)))
}

// reader consumes big endian fields and latches the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("%w: short buffer", ErrSchema)
		r.b = nil
		return nil
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p
}

func (r *reader) bytes(dst []byte) { copy(dst, r.take(len(dst))) }

func (r *reader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *reader) f32() float64 {
	return float64(math.Float32frombits(r.u32()))
}
