package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/images"
)

// planesPerFrame is the number of planes of a YUV 4:2:0 frame.
const planesPerFrame = 3

// Arena holds the raw frame bytes of every slot.
//
// The buffers are sized from the first frame rather than from the preview
// size because the hardware may deliver planes larger than the nominal
// resolution. They are never reallocated: a different resolution needs a
// new Arena.
type Arena struct {
	once    sync.Once
	buffers [NumSlots][planesPerFrame][]byte
}

// Fill copies the planes of a frame into slot and returns views of the copy
// carrying the frame's strides. The caller must own the slot.
//
// Arguments:
//   - slot: A slot reserved from the Pool.
//   - planes: The Y, U and V planes of the frame.
//
// Returns:
//   - []images.Plane: The copied planes, valid until the slot is released.
//   - error: ErrInvalidSlot, ErrBufferOverflow or a plane count error.
func (a *Arena) Fill(slot int, planes []images.Plane) ([]images.Plane, error) {
	if slot < 0 || slot >= NumSlots {
		return nil, errors.Wrapf(ErrInvalidSlot, "slot %d", slot)
	}
	if len(planes) != planesPerFrame {
		return nil, errors.Errorf("pipeline: expected %d planes, got %d", planesPerFrame, len(planes))
	}

	a.once.Do(func() {
		for s := range a.buffers {
			for p := range planes {
				a.buffers[s][p] = make([]byte, len(planes[p].Data))
			}
		}
	})

	out := make([]images.Plane, planesPerFrame)
	for p, src := range planes {
		buf := a.buffers[slot][p]
		if len(src.Data) > len(buf) {
			return nil, errors.Wrapf(ErrBufferOverflow, "plane %d: %d > %d bytes", p, len(src.Data), len(buf))
		}
		n := copy(buf, src.Data)
		out[p] = images.Plane{Data: buf[:n], RowStride: src.RowStride, PixelStride: src.PixelStride}
	}
	return out, nil
}
