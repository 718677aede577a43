package transform

import (
	"github.com/pkg/errors"
)

// New returns the transformation from a srcW×srcH frame into a dstW×dstH
// frame, rotating by rotation degrees around the source center.
//
// When maintainAspect is true both axes use the larger scale factor so the
// destination is filled completely and part of the source may fall outside
// it (crop). Otherwise each axis is scaled independently (stretch).
//
// Arguments:
//   - srcW, srcH: Source frame size.
//   - dstW, dstH: Destination frame size.
//   - rotation: Degrees to rotate, a multiple of 90.
//   - maintainAspect: Crop-to-fill instead of stretch-to-fill.
//
// Returns:
//   - Matrix: The forward transformation.
//   - error: ErrInvalidRotation or ErrInvalidSize.
//
// Example:
//
// ```go
//
//	m, err := transform.New(640, 480, 320, 320, 90, false)
//	if err != nil {
//	    return err
//	}
//	x, y := m.MapPoint(0, 0)
//
// ```
func New(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) (Matrix, error) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return Matrix{}, errors.Wrapf(ErrInvalidSize, "src %dx%d dst %dx%d", srcW, srcH, dstW, dstH)
	}
	if rotation%90 != 0 {
		return Matrix{}, errors.Wrapf(ErrInvalidRotation, "got %d", rotation)
	}

	m := Identity()

	if rotation != 0 {
		// Move the source center to the origin and rotate around it.
		m = m.Then(Translation(-float32(srcW)/2, -float32(srcH)/2))
		m = m.Then(Rotation(float32(rotation)))
	}

	transpose := (abs(rotation)+90)%180 == 0
	inW, inH := srcW, srcH
	if transpose {
		inW, inH = srcH, srcW
	}

	if inW != dstW || inH != dstH {
		sx := float32(dstW) / float32(inW)
		sy := float32(dstH) / float32(inH)
		if maintainAspect {
			s := max(sx, sy)
			m = m.Then(Scaling(s, s))
		} else {
			m = m.Then(Scaling(sx, sy))
		}
	}

	if rotation != 0 {
		m = m.Then(Translation(float32(dstW)/2, float32(dstH)/2))
	}

	return m, nil
}

// Pair holds a forward transform and its inverse for one configuration.
// Both are computed together so they can never drift apart.
type Pair struct {
	Forward Matrix
	Inverse Matrix
}

// NewPair computes the forward matrix with New and its inverse.
func NewPair(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) (Pair, error) {
	fwd, err := New(srcW, srcH, dstW, dstH, rotation, maintainAspect)
	if err != nil {
		return Pair{}, err
	}
	inv, err := fwd.Invert()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Forward: fwd, Inverse: inv}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
