// Package transform - Affine coordinate transforms between the sensor frame,
// the model input and the display surface.
package transform

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/common"
)

var (
	// ErrInvalidRotation is returned when a rotation is not a multiple of 90 degrees.
	ErrInvalidRotation = errors.New("transform: rotation must be a multiple of 90 degrees")
	// ErrInvalidSize is returned when a source or destination dimension is not positive.
	ErrInvalidSize = errors.New("transform: dimensions must be positive")
	// ErrSingular is returned when inverting a matrix with a zero determinant.
	ErrSingular = errors.New("transform: matrix is not invertible")
)

// Matrix is a row-major 3x3 affine matrix:
//
//	| M[0] M[1] M[2] |   | scaleX skewX  transX |
//	| M[3] M[4] M[5] | = | skewY  scaleY transY |
//	| M[6] M[7] M[8] |   | 0      0      1      |
type Matrix [9]float32

// Identity returns the identity matrix.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns a matrix translating by (dx, dy).
func Translation(dx, dy float32) Matrix {
	return Matrix{1, 0, dx, 0, 1, dy, 0, 0, 1}
}

// Scaling returns a matrix scaling by (sx, sy) around the origin.
func Scaling(sx, sy float32) Matrix {
	return Matrix{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// Rotation returns a matrix rotating by degrees around the origin. Positive
// angles rotate clockwise in a y-down image coordinate system. Multiples of 90
// are computed exactly.
func Rotation(degrees float32) Matrix {
	var sin, cos float32
	switch d := math32.Mod(degrees, 360); {
	case d == 0:
		sin, cos = 0, 1
	case d == 90 || d == -270:
		sin, cos = 1, 0
	case d == 180 || d == -180:
		sin, cos = 0, -1
	case d == 270 || d == -90:
		sin, cos = -1, 0
	default:
		sin, cos = math32.Sincos(degrees * math32.Pi / 180)
	}
	return Matrix{cos, -sin, 0, sin, cos, 0, 0, 0, 1}
}

// Mul returns m × n. Applying the result to a point applies n first, then m.
func (m Matrix) Mul(n Matrix) Matrix {
	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sum := float64(m[r*3])*float64(n[c]) +
				float64(m[r*3+1])*float64(n[3+c]) +
				float64(m[r*3+2])*float64(n[6+c])
			out[r*3+c] = float32(sum)
		}
	}
	return out
}

// Then returns the matrix that applies m first and n afterwards.
func (m Matrix) Then(n Matrix) Matrix {
	return n.Mul(m)
}

// Invert returns the inverse of an affine matrix.
func (m Matrix) Invert() (Matrix, error) {
	det := float64(m[0])*float64(m[4]) - float64(m[1])*float64(m[3])
	if math32.Abs(float32(det)) < 1e-12 {
		return Matrix{}, ErrSingular
	}
	inv := 1 / det
	a := float64(m[4]) * inv
	b := -float64(m[1]) * inv
	c := -float64(m[3]) * inv
	d := float64(m[0]) * inv
	tx, ty := float64(m[2]), float64(m[5])
	return Matrix{
		float32(a), float32(b), float32(-(a*tx + b*ty)),
		float32(c), float32(d), float32(-(c*tx + d*ty)),
		0, 0, 1,
	}, nil
}

// MapPoint applies m to the point (x, y).
func (m Matrix) MapPoint(x, y float32) (float32, float32) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// MapRect maps the four corners of box and returns their axis-aligned bounds.
//
// Arguments:
//   - box: The box to map.
//
// Returns:
//   - common.BoundingBox: The smallest box containing the mapped corners.
func (m Matrix) MapRect(box common.BoundingBox) common.BoundingBox {
	xs := [4]float32{}
	ys := [4]float32{}
	xs[0], ys[0] = m.MapPoint(box.X1, box.Y1)
	xs[1], ys[1] = m.MapPoint(box.X2, box.Y1)
	xs[2], ys[2] = m.MapPoint(box.X1, box.Y2)
	xs[3], ys[3] = m.MapPoint(box.X2, box.Y2)

	out := common.BoundingBox{X1: xs[0], Y1: ys[0], X2: xs[0], Y2: ys[0]}
	for i := 1; i < 4; i++ {
		out.X1 = math32.Min(out.X1, xs[i])
		out.Y1 = math32.Min(out.Y1, ys[i])
		out.X2 = math32.Max(out.X2, xs[i])
		out.Y2 = math32.Max(out.Y2, ys[i])
	}
	return out
}

// IsAxisAligned reports whether m only scales and translates.
func (m Matrix) IsAxisAligned() bool {
	return m[1] == 0 && m[3] == 0
}

// ApproxEqual reports whether every element of m is within eps of n.
func (m Matrix) ApproxEqual(n Matrix, eps float32) bool {
	for i := range m {
		if math32.Abs(m[i]-n[i]) > eps {
			return false
		}
	}
	return true
}

func (m Matrix) String() string {
	return fmt.Sprintf("[%g %g %g; %g %g %g; %g %g %g]",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
}
