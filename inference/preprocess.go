package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// FillInput writes img into dst as a planar [3, size, size] float tensor
// with channels in RGB order scaled to [0, 1]. Images of another size are
// resized first.
//
// Arguments:
//   - img: The image to prepare.
//   - dst: The destination tensor data.
//   - size: The side of the square model input.
//
// Returns:
//   - error: An error if dst is too small.
func FillInput(img image.Image, dst []float32, size int) error {
	plane := size * size
	if len(dst) < plane*3 {
		return errors.Errorf("inference: input tensor holds %d floats, needs %d", len(dst), plane*3)
	}

	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
		b = img.Bounds()
	}

	red := dst[0:plane]
	green := dst[plane : plane*2]
	blue := dst[plane*2 : plane*3]

	if rgba, ok := img.(*image.RGBA); ok {
		i := 0
		for y := 0; y < size; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < size; x++ {
				red[i] = float32(row[x*4]) / 255
				green[i] = float32(row[x*4+1]) / 255
				blue[i] = float32(row[x*4+2]) / 255
				i++
			}
		}
		return nil
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255
			green[i] = float32(g>>8) / 255
			blue[i] = float32(bl>>8) / 255
			i++
		}
	}
	return nil
}
