package mot

import (
	"image"
	"math"
)

// BBox is an axis-aligned bounding box given by its top-left (X1, Y1) and
// bottom-right (X2, Y2) corners. Use NewBBox to get a normalized box.
type BBox struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// NewBBox creates a bounding box and normalizes it so X1 <= X2 and Y1 <= Y2.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return BBox{
		X1: x1,
		Y1: y1,
		X2: x2,
		Y2: y2,
	}
}

// NewBBoxFromCenter creates a bounding box from its center and size.
func NewBBoxFromCenter(cx, cy, width, height float64) BBox {
	return NewBBox(cx-width/2.0, cy-height/2.0, cx+width/2.0, cy+height/2.0)
}

// NewBBoxFrom creates a bounding box from an image.Rectangle
func NewBBoxFrom(rect image.Rectangle) BBox {
	rect = rect.Canon()
	return BBox{
		X1: float64(rect.Min.X),
		Y1: float64(rect.Min.Y),
		X2: float64(rect.Max.X),
		Y2: float64(rect.Max.Y),
	}
}

// Width returns box's width
func (b BBox) Width() float64 {
	return b.X2 - b.X1
}

// Height returns box's height
func (b BBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns box's area. It is zero for degenerate boxes.
func (b BBox) Area() float64 {
	if !b.isFinite() {
		return 0
	}
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IsDegenerate reports whether the box has no area or a non-finite coordinate.
func (b BBox) IsDegenerate() bool {
	return b.Area() == 0
}

func (b BBox) isFinite() bool {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Center returns box's center
func (b BBox) Center() Point {
	return Point{
		X: b.X1 + b.Width()/2.0,
		Y: b.Y1 + b.Height()/2.0,
	}
}

// Diagonal returns length of box's diagonal
func (b BBox) Diagonal() float64 {
	return math.Sqrt(math.Pow(b.Width(), 2) + math.Pow(b.Height(), 2))
}

// Translate returns the box shifted by (dx, dy)
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{
		X1: b.X1 + dx,
		Y1: b.Y1 + dy,
		X2: b.X2 + dx,
		Y2: b.Y2 + dy,
	}
}

// Rect converts the box to integer image coordinates (rounded to nearest pixel).
func (b BBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1)),
		int(math.Round(b.Y1)),
		int(math.Round(b.X2)),
		int(math.Round(b.Y2)),
	)
}

// ClampTo returns the box intersected with given bounds. Result may be degenerate.
func (b BBox) ClampTo(bounds image.Rectangle) BBox {
	return BBox{
		X1: clampFloat64(b.X1, float64(bounds.Min.X), float64(bounds.Max.X)),
		Y1: clampFloat64(b.Y1, float64(bounds.Min.Y), float64(bounds.Max.Y)),
		X2: clampFloat64(b.X2, float64(bounds.Min.X), float64(bounds.Max.X)),
		Y2: clampFloat64(b.Y2, float64(bounds.Min.Y), float64(bounds.Max.Y)),
	}
}

// Point is a 2D point
type Point struct {
	X float64
	Y float64
}
