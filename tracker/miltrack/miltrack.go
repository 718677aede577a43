// Package miltrack - A tracker.ObjectTracker built on OpenCV's MIL tracker.
//
// MIL reports found or lost rather than a correlation score, so a found
// object reads as correlation 1 and a lost one as 0.
package miltrack

import (
	"image"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/pipeline"
	"github.com/nvr-ai/livedetect/tracker"
)

// Tracker follows every object with its own gocv.Tracker.
type Tracker struct {
	width, height int
	logger        *slog.Logger

	mu      sync.Mutex
	objects []*object
}

// NewFactory returns a tracker.Factory creating MIL trackers.
func NewFactory(logger *slog.Logger) tracker.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(width, height, rowStride int) (tracker.ObjectTracker, error) {
		if width <= 0 || height <= 0 || rowStride < width {
			return nil, errors.Errorf("miltrack: bad frame geometry %dx%d stride %d", width, height, rowStride)
		}
		return &Tracker{width: width, height: height, logger: logger}, nil
	}
}

// NextFrame updates every live object.
func (t *Tracker) NextFrame(frame pipeline.LumaFrame, timestamp int64) {
	mat, err := toBGR(frame)
	if err != nil {
		t.logger.Warn("miltrack: skipping frame", "timestamp", timestamp, "error", err)
		return
	}
	defer mat.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.objects[:0]
	for _, o := range t.objects {
		if !o.Valid() {
			continue
		}
		o.update(mat)
		live = append(live, o)
	}
	clear(t.objects[len(live):])
	t.objects = live
}

// TrackObject starts following box. An object whose tracker cannot be
// initialized reports correlation 0.
func (t *Tracker) TrackObject(box common.BoundingBox, frame pipeline.LumaFrame, timestamp int64) common.TrackedObject {
	o := &object{pos: box}

	mat, err := toBGR(frame)
	if err != nil {
		t.logger.Warn("miltrack: cannot start track", "timestamp", timestamp, "error", err)
		return o
	}
	defer mat.Close()

	rect := box.ToRect().Intersect(image.Rect(0, 0, t.width, t.height))
	if rect.Empty() {
		return o
	}

	o.tracker = gocv.NewTrackerMIL()
	if !o.tracker.Init(mat, rect) {
		o.StopTracking()
		return o
	}
	o.correlation = 1

	t.mu.Lock()
	t.objects = append(t.objects, o)
	t.mu.Unlock()
	return o
}

type object struct {
	mu          sync.Mutex
	tracker     gocv.Tracker
	pos         common.BoundingBox
	correlation float32
	stopped     bool
}

func (o *object) update(mat gocv.Mat) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	rect, ok := o.tracker.Update(mat)
	if !ok {
		o.correlation = 0
		return
	}
	o.correlation = 1
	o.pos = common.BoundingBox{
		X1: float32(rect.Min.X), Y1: float32(rect.Min.Y),
		X2: float32(rect.Max.X), Y2: float32(rect.Max.Y),
	}
}

func (o *object) Valid() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.stopped
}

func (o *object) Position() common.BoundingBox {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pos
}

func (o *object) Correlation() float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.correlation
}

func (o *object) StopTracking() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	o.correlation = 0
	if o.tracker != nil {
		_ = o.tracker.Close()
	}
}

// toBGR copies a luminance frame into a three channel Mat.
func toBGR(frame pipeline.LumaFrame) (gocv.Mat, error) {
	data := packRows(frame)
	if data == nil {
		return gocv.Mat{}, errors.Errorf("miltrack: frame data too short for %dx%d", frame.Width, frame.Height)
	}
	gray, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC1, data)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "miltrack: wrap frame")
	}
	defer gray.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)
	if bgr.Empty() {
		bgr.Close()
		return gocv.Mat{}, errors.New("miltrack: frame conversion produced no data")
	}
	return bgr, nil
}

// packRows returns the frame's pixels without row padding, or nil when the
// data is shorter than the geometry implies.
func packRows(frame pipeline.LumaFrame) []byte {
	w, h, stride := frame.Width, frame.Height, frame.RowStride
	if w <= 0 || h <= 0 || stride < w || len(frame.Data) < stride*(h-1)+w {
		return nil
	}
	if stride == w {
		return frame.Data[:w*h]
	}
	out := make([]byte, w*h)
	for y := 0; y < h; y++ {
		copy(out[y*w:(y+1)*w], frame.Data[y*stride:y*stride+w])
	}
	return out
}
