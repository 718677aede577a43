// Package cvimage - OpenCV colour conversion and affine warping of captured
// YUV 4:2:0 frames into model input images.
package cvimage

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/transform"
)

// ErrPlaneTooShort is returned when a plane cannot hold the declared frame size.
var ErrPlaneTooShort = errors.New("cvimage: plane shorter than frame geometry")

// Converter turns YUV 4:2:0 frames of one size into RGBA model inputs of
// another, through a fixed forward matrix. Its OpenCV buffers are reused
// between calls, so a Converter must not be used concurrently.
type Converter struct {
	frame  images.Size
	model  images.Size
	affine gocv.Mat
	rgba   gocv.Mat
	warped gocv.Mat
	packed []byte
	closed bool
}

// NewConverter prepares a converter for frames of size frame warped into
// model through m.
//
// Arguments:
//   - frame: The captured frame size; both sides must be even.
//   - model: The model input size.
//   - m: Maps frame coordinates to model coordinates.
//
// Returns:
//   - *Converter: The converter; Close releases its OpenCV buffers.
//   - error: An error if a size is invalid or m is not invertible.
func NewConverter(frame, model images.Size, m transform.Matrix) (*Converter, error) {
	if !frame.Valid() || frame.Width%2 != 0 || frame.Height%2 != 0 {
		return nil, errors.Errorf("cvimage: frame size %s must be positive and even", frame)
	}
	if !model.Valid() {
		return nil, errors.Errorf("cvimage: invalid model size %s", model)
	}
	if _, err := m.Invert(); err != nil {
		return nil, errors.Wrap(err, "cvimage: frame transform")
	}

	// OpenCV samples at integer pixel coordinates; the matrix maps pixel edges.
	centred := transform.Translation(0.5, 0.5).Then(m).Then(transform.Translation(-0.5, -0.5))
	affine := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			affine.SetDoubleAt(r, c, float64(centred[r*3+c]))
		}
	}

	return &Converter{
		frame:  frame,
		model:  model,
		affine: affine,
		rgba:   gocv.NewMat(),
		warped: gocv.NewMat(),
	}, nil
}

// Convert renders the frame planes into dst. Model pixels that map outside
// the frame are transparent black.
//
// Arguments:
//   - dst: The destination, exactly the model size.
//   - y, u, v: The frame planes. U and V share their pixel stride, which
//     covers planar and semi-planar layouts.
//
// Returns:
//   - error: ErrPlaneTooShort, or an error if dst has the wrong size or
//     OpenCV produced no data.
func (c *Converter) Convert(dst *image.RGBA, y, u, v images.Plane) error {
	if c.closed {
		return errors.New("cvimage: converter closed")
	}
	if dst.Rect.Dx() != c.model.Width || dst.Rect.Dy() != c.model.Height {
		return errors.Errorf("cvimage: destination %v is not %s", dst.Rect.Size(), c.model)
	}
	w, h := c.frame.Width, c.frame.Height
	if err := checkPlanes(y, u, v, w, h); err != nil {
		return err
	}

	c.packed = packI420(c.packed, y, u, v, w, h)
	yuv, err := gocv.NewMatFromBytes(h*3/2, w, gocv.MatTypeCV8UC1, c.packed)
	if err != nil {
		return errors.Wrap(err, "cvimage: wrap frame")
	}
	defer yuv.Close()

	gocv.CvtColor(yuv, &c.rgba, gocv.ColorYUVToRGBAIYUV)
	if c.rgba.Empty() {
		return errors.New("cvimage: colour conversion produced no data")
	}

	gocv.WarpAffineWithParams(c.rgba, &c.warped, c.affine,
		image.Pt(c.model.Width, c.model.Height),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	if c.warped.Empty() {
		return errors.New("cvimage: warp produced no data")
	}

	copyRGBA(dst, c.warped.ToBytes(), c.model.Width, c.model.Height)
	return nil
}

// Close releases the OpenCV buffers. Closing twice is a no-op.
func (c *Converter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.affine.Close()
	c.rgba.Close()
	c.warped.Close()
	return nil
}

func checkPlanes(y, u, v images.Plane, width, height int) error {
	if y.RowStride < width {
		return errors.Wrapf(ErrPlaneTooShort, "luma row stride %d < width %d", y.RowStride, width)
	}
	if need := (height-1)*y.RowStride + width; len(y.Data) < need {
		return errors.Wrapf(ErrPlaneTooShort, "luma %d < %d", len(y.Data), need)
	}

	ps := max(u.PixelStride, 1)
	if need := (height/2-1)*u.RowStride + (width/2-1)*ps + 1; len(u.Data) < need {
		return errors.Wrapf(ErrPlaneTooShort, "chroma u %d < %d", len(u.Data), need)
	}
	if need := (height/2-1)*v.RowStride + (width/2-1)*ps + 1; len(v.Data) < need {
		return errors.Wrapf(ErrPlaneTooShort, "chroma v %d < %d", len(v.Data), need)
	}
	return nil
}

// packI420 gathers strided planes into one contiguous I420 buffer, reusing buf.
func packI420(buf []byte, y, u, v images.Plane, width, height int) []byte {
	cw, ch := width/2, height/2
	size := width*height + 2*cw*ch
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	for r := 0; r < height; r++ {
		copy(buf[r*width:(r+1)*width], y.Data[r*y.RowStride:])
	}

	ps := max(u.PixelStride, 1)
	uOut := buf[width*height : width*height+cw*ch]
	vOut := buf[width*height+cw*ch:]
	for r := 0; r < ch; r++ {
		if ps == 1 {
			copy(uOut[r*cw:(r+1)*cw], u.Data[r*u.RowStride:])
			copy(vOut[r*cw:(r+1)*cw], v.Data[r*v.RowStride:])
			continue
		}
		for c := 0; c < cw; c++ {
			uOut[r*cw+c] = u.Data[r*u.RowStride+c*ps]
			vOut[r*cw+c] = v.Data[r*v.RowStride+c*ps]
		}
	}
	return buf
}

func copyRGBA(dst *image.RGBA, data []byte, width, height int) {
	row := width * 4
	for r := 0; r < height; r++ {
		off := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+r)
		copy(dst.Pix[off:off+row], data[r*row:(r+1)*row])
	}
}
