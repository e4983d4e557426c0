// Package detect defines pose detections and their binary encoding.
package detect

import (
	"fmt"
	"image"
	"math"
)

// BoxFormat names the layout of Box.Coords.
type BoxFormat uint8

const (
	// CXCYWH is center x, center y, width, height.
	CXCYWH BoxFormat = iota
	// XYXY is left, top, right, bottom.
	XYXY
)

func (f BoxFormat) String() string {
	switch f {
	case CXCYWH:
		return "cxcywh"
	case XYXY:
		return "xyxy"
	default:
		return fmt.Sprintf("box(%d)", uint8(f))
	}
}

// Box is a bounding box normalised to [0,1] image coordinates.
type Box struct {
	Format BoxFormat
	Coords [4]float64
}

// Pixels converts the box to a pixel rectangle for a w×h image.
func (b Box) Pixels(w, h int) image.Rectangle {
	fw, fh := float64(w), float64(h)
	c := b.Coords
	switch b.Format {
	case XYXY:
		return image.Rect(int(c[0]*fw), int(c[1]*fh), int(c[2]*fw), int(c[3]*fh))
	default:
		return image.Rect(
			int((c[0]-c[2]/2)*fw), int((c[1]-c[3]/2)*fh),
			int((c[0]+c[2]/2)*fw), int((c[1]+c[3]/2)*fh),
		)
	}
}

// RotationKind tags the representation stored in Rotation.Values.
type RotationKind uint8

const (
	// Matrix is a row-major 3x3 rotation matrix (9 values).
	Matrix RotationKind = iota
	// Quaternion is w, x, y, z (4 values).
	Quaternion
	// SixD is the first two rows of the matrix (6 values).
	SixD
)

// Len returns the number of values the representation carries.
func (k RotationKind) Len() int {
	switch k {
	case Matrix:
		return 9
	case Quaternion:
		return 4
	case SixD:
		return 6
	default:
		return -1
	}
}

func (k RotationKind) String() string {
	switch k {
	case Matrix:
		return "matrix"
	case Quaternion:
		return "quat"
	case SixD:
		return "6d"
	default:
		return fmt.Sprintf("rotation(%d)", uint8(k))
	}
}

// Rotation is an object orientation in one of the supported representations.
type Rotation struct {
	Kind   RotationKind
	Values []float64
}

// Matrix converts the rotation into a 3x3 matrix.
func (r Rotation) Matrix() ([3][3]float64, error) {
	var m [3][3]float64
	if want := r.Kind.Len(); want < 0 || len(r.Values) != want {
		return m, fmt.Errorf("rotation %s: got %d values", r.Kind, len(r.Values))
	}
	v := r.Values
	switch r.Kind {
	case Matrix:
		for i := 0; i < 9; i++ {
			m[i/3][i%3] = v[i]
		}
	case Quaternion:
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2] + v[3]*v[3])
		if n == 0 {
			return m, fmt.Errorf("rotation quat: zero norm")
		}
		w, x, y, z := v[0]/n, v[1]/n, v[2]/n, v[3]/n
		m = [3][3]float64{
			{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
			{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
			{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
		}
	case SixD:
		// Gram-Schmidt on the two given rows; the third is their cross product.
		b1, ok := normalize([3]float64{v[0], v[1], v[2]})
		if !ok {
			return m, fmt.Errorf("rotation 6d: degenerate first row")
		}
		a2 := [3]float64{v[3], v[4], v[5]}
		d := dot(b1, a2)
		b2, ok := normalize([3]float64{a2[0] - d*b1[0], a2[1] - d*b1[1], a2[2] - d*b1[2]})
		if !ok {
			return m, fmt.Errorf("rotation 6d: degenerate second row")
		}
		m = [3][3]float64{b1, b2, cross(b1, b2)}
	}
	return m, nil
}

// Detection is one object found in a frame.
type Detection struct {
	Class       int32
	Translation [3]float64
	Rotation    Rotation
	Box         Box
}

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(a [3]float64) ([3]float64, bool) {
	n := math.Sqrt(dot(a, a))
	if n == 0 {
		return a, false
	}
	return [3]float64{a[0] / n, a[1] / n, a[2] / n}, true
}
