// Package images - Frame geometry, YUV color conversion and resampling for the
// detection pipeline.
package images

import "fmt"

// MinimumPreviewSize is the smallest side a preview size may have, in pixels.
const MinimumPreviewSize = 320

// Size is a width and height in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area returns the pixel count, computed in int64 so large sensors do not overflow.
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Valid reports whether both sides are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Transposed returns the size with width and height swapped.
func (s Size) Transposed() Size {
	return Size{Width: s.Height, Height: s.Width}
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Plane is one plane of a planar frame (Y, U or V).
type Plane struct {
	// Data holds the plane bytes.
	Data []byte
	// RowStride is the distance in bytes between the starts of two rows.
	RowStride int
	// PixelStride is the distance in bytes between two neighbouring samples
	// of one row. 1 for planar chroma, 2 for semi-planar (interleaved UV).
	PixelStride int
}

// ChooseOptimalSize picks the preview size a camera should stream at.
//
// A size qualifies when both sides are at least the smaller of width and
// height, and never below MinimumPreviewSize. The qualifying size with the
// smallest area wins. When none qualifies the first choice is returned.
//
// Arguments:
//   - choices: The sizes the camera supports, in driver order.
//   - width: The desired width.
//   - height: The desired height.
//
// Returns:
//   - Size: The selected size, or the zero Size when choices is empty.
//
// Example:
//
// ```go
//
//	size := images.ChooseOptimalSize(camera.StreamSizes, 640, 480)
//
// ```
func ChooseOptimalSize(choices []Size, width, height int) Size {
	if len(choices) == 0 {
		return Size{}
	}

	minSide := max(min(width, height), MinimumPreviewSize)

	best := -1
	for i, option := range choices {
		if option.Width < minSide || option.Height < minSide {
			continue
		}
		if best < 0 || option.Area() < choices[best].Area() {
			best = i
		}
	}

	if best < 0 {
		return choices[0]
	}
	return choices[best]
}
