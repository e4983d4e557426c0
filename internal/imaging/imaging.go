// Package imaging decodes, crops, annotates and encodes still frames.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

// Model input size.
const (
	Width  = 640
	Height = 480
)

// ErrTooLarge is returned when an image header declares dimensions over the
// configured limits. The pixel data is never decoded in that case.
var ErrTooLarge = errors.New("imaging: image exceeds decode limits")

// Limits bounds what Decode will allocate.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// DefaultLimits accepts anything up to 8K square.
var DefaultLimits = Limits{MaxWidth: 8192, MaxHeight: 8192}

// Decode parses a PNG or JPEG payload after checking its declared size.
func Decode(payload []byte, lim Limits) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("decode header: %w", err)
	}
	if (lim.MaxWidth > 0 && cfg.Width > lim.MaxWidth) || (lim.MaxHeight > 0 && cfg.Height > lim.MaxHeight) {
		return nil, format, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, format, fmt.Errorf("decode %s: %w", format, err)
	}
	return img, format, nil
}

// CropRect returns the 640x480 center window of bounds, clipped to bounds.
func CropRect(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x := max(0, w/2-Width/2)
	y := max(0, h/2-Height/2)
	r := image.Rect(x, y, x+Width, y+Height).Add(bounds.Min)
	return r.Intersect(bounds)
}

// CenterCrop returns img unchanged when it is already 640x480 and the
// center window otherwise. The result always has a zero origin.
func CenterCrop(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == Width && b.Dy() == Height {
		return img
	}
	r := CropRect(b)
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// CropPayload applies CenterCrop to an encoded image and encodes the result
// as format, or in the source format when format is empty. A payload that is
// already 640x480 in that format is returned as is.
func CropPayload(payload []byte, lim Limits, format string) ([]byte, error) {
	cfg, src, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if format == "" {
		format = src
	}
	if cfg.Width == Width && cfg.Height == Height && sameFormat(src, format) {
		return payload, nil
	}
	img, _, err := Decode(payload, lim)
	if err != nil {
		return nil, err
	}
	return EncodeBytes(CenterCrop(img), format)
}

func sameFormat(a, b string) bool {
	norm := func(f string) string {
		f = strings.ToLower(f)
		if f == "jpg" {
			return "jpeg"
		}
		return f
	}
	return norm(a) == norm(b)
}

// Encode writes img as png (default) or jpeg.
func Encode(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "", "png":
		return png.Encode(w, img)
	case "jpeg", "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	default:
		return fmt.Errorf("unsupported encoding %q", format)
	}
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToRGBA returns a drawable copy of img with a zero origin.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
