package imaging

import (
	"image"
	"image/color"
)

var (
	Red   = color.RGBA{R: 255, A: 255}
	Green = color.RGBA{G: 255, A: 255}
	Blue  = color.RGBA{B: 255, A: 255}
)

// AxisScale is the on-screen length of each drawn rotation axis.
const AxisScale = 50

// Line draws a line of the given thickness using Bresenham's algorithm.
// Endpoints are clamped to the image.
func Line(img *image.RGBA, p0, p1 image.Point, c color.RGBA, thickness int) {
	p0, p1 = clamp(p0, img.Bounds()), clamp(p1, img.Bounds())
	dx := abs(p1.X - p0.X)
	dy := -abs(p1.Y - p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}
	err := dx + dy
	x, y := p0.X, p0.Y
	for {
		dot(img, x, y, c, thickness)
		if x == p1.X && y == p1.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

// Rect outlines r.
func Rect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	tl, tr := r.Min, image.Pt(r.Max.X, r.Min.Y)
	bl, br := image.Pt(r.Min.X, r.Max.Y), r.Max
	Line(img, tl, tr, c, thickness)
	Line(img, tr, br, c, thickness)
	Line(img, br, bl, c, thickness)
	Line(img, bl, tl, c, thickness)
}

// Axes draws the three columns of rotation matrix rot from center, dropping
// the z component: X red, Y green, Z blue.
func Axes(img *image.RGBA, center image.Point, rot [3][3]float64, scale float64) {
	colors := [3]color.RGBA{Red, Green, Blue}
	for i, c := range colors {
		// rot · (scale * e_i) is column i of rot.
		end := image.Pt(
			center.X+int(rot[0][i]*scale),
			center.Y+int(rot[1][i]*scale),
		)
		Line(img, center, end, c, 2)
	}
}

func dot(img *image.RGBA, x, y int, c color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	half := thickness / 2
	b := img.Bounds()
	for yy := y - half; yy < y-half+thickness; yy++ {
		for xx := x - half; xx < x-half+thickness; xx++ {
			if image.Pt(xx, yy).In(b) {
				img.SetRGBA(xx, yy, c)
			}
		}
	}
}

func clamp(p image.Point, b image.Rectangle) image.Point {
	p.X = min(max(p.X, b.Min.X), b.Max.X-1)
	p.Y = min(max(p.Y, b.Min.Y), b.Max.Y-1)
	return p
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
