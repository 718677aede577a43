package gocvcam

import (
	"sync"

	"github.com/nvr-ai/livedetect/images"
)

// frame is one I420 image: a full resolution Y plane followed by
// quarter resolution U and V planes.
type frame struct {
	width, height int
	planes        []images.Plane
	once          sync.Once
	onClose       func()
}

func newFrame(buf []byte, width, height int, onClose func()) *frame {
	return &frame{width: width, height: height, planes: splitI420(buf, width, height), onClose: onClose}
}

// splitI420 returns views of the three planes of an I420 buffer.
func splitI420(buf []byte, width, height int) []images.Plane {
	cw, ch := (width+1)/2, (height+1)/2
	ySize, cSize := width*height, cw*ch
	if len(buf) < ySize+2*cSize {
		return nil
	}
	return []images.Plane{
		{Data: buf[:ySize], RowStride: width, PixelStride: 1},
		{Data: buf[ySize : ySize+cSize], RowStride: cw, PixelStride: 1},
		{Data: buf[ySize+cSize : ySize+2*cSize], RowStride: cw, PixelStride: 1},
	}
}

func (f *frame) Width() int             { return f.width }
func (f *frame) Height() int            { return f.height }
func (f *frame) Planes() []images.Plane { return f.planes }

// Close gives the reader slot back. Only the first call counts.
func (f *frame) Close() error {
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
