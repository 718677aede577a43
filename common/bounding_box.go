// Package common - Detection value types shared by the pipeline, tracker and detector.
package common

import (
	"fmt"
	"image"
)

// BoundingBox is an axis-aligned box in some coordinate space (model input,
// sensor frame or display canvas). X2,Y2 are exclusive.
type BoundingBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box, or 0 for degenerate boxes.
func (b BoundingBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// CenterX returns the horizontal center of the box.
func (b BoundingBox) CenterX() float32 {
	return (b.X1 + b.X2) / 2
}

// CenterY returns the vertical center of the box.
func (b BoundingBox) CenterY() float32 {
	return (b.Y1 + b.Y2) / 2
}

// ToRect converts the bounding box to an image.Rectangle.
//
// This loses precision, but only fractional pixels around the edges.
//
// Returns:
// - An image.Rectangle with canonicalized coordinates.
//
// @example
// box := BoundingBox{X1: 100.5, Y1: 100.5, X2: 200.5, Y2: 300.5}
// rect := box.ToRect() // (100,100)-(200,300)
func (b BoundingBox) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Intersection calculates the intersection area between two bounding boxes.
//
// Arguments:
// - other: The other bounding box to calculate intersection with.
//
// Returns:
// - The area of intersection, 0 when the boxes do not overlap.
//
// @example
// box1 := BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
// box2 := BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
// area := box1.Intersection(box2) // 2500 (50x50 overlap)
func (b BoundingBox) Intersection(other BoundingBox) float32 {
	ix1 := max(b.X1, other.X1)
	iy1 := max(b.Y1, other.Y1)
	ix2 := min(b.X2, other.X2)
	iy2 := min(b.Y2, other.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	return (ix2 - ix1) * (iy2 - iy1)
}

// Union calculates the union area between two bounding boxes.
//
// @example
// box1 := BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
// box2 := BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
// area := box1.Union(box2) // 17500
func (b BoundingBox) Union(other BoundingBox) float32 {
	return b.Area() + other.Area() - b.Intersection(other)
}

// IoU calculates the Intersection over Union between two bounding boxes.
//
// Used by non-maximum suppression and by the tracker to decide whether a new
// detection overlaps an object that is already tracked.
//
// Returns:
// - The IoU value between 0 and 1, 0 when the union is empty.
//
// @example
// box1 := BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
// box2 := BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
// iou := box1.IoU(box2) // ~0.143 (2500/17500)
func (b BoundingBox) IoU(other BoundingBox) float32 {
	union := b.Union(other)
	if union <= 0 {
		return 0
	}
	return b.Intersection(other) / union
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%.1f, %.1f), (%.1f, %.1f)", b.X1, b.Y1, b.X2, b.Y2)
}
