package pipeline

import (
	"context"
	"image"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
)

// Detector runs one inference pass over a model-sized image. Boxes are in
// the coordinate space of img.
type Detector interface {
	Recognize(ctx context.Context, img image.Image) ([]common.Recognition, error)
}

// LumaFrame is the luminance plane of a frame, the only input a tracker needs.
type LumaFrame struct {
	Data      []byte
	Width     int
	Height    int
	RowStride int
}

// Tracker follows objects between detections on luminance frames.
// Timestamps are frame ordinals, not wall-clock time.
type Tracker interface {
	// Track advances every tracked object to frame.
	Track(frame LumaFrame, timestamp int64)
	// IngestGroundTruth reconciles tracked objects with fresh detections,
	// given in sensor frame coordinates.
	IngestGroundTruth(detections []common.Recognition, frame LumaFrame, timestamp int64)
	// CurrentResults returns the tracked objects.
	CurrentResults() []common.TrackedRecognition
}

// Listener receives pipeline output. Calls are serialized across workers,
// so implementations need no locking of their own.
type Listener interface {
	// FoundObjects receives a full snapshot of the current results. The
	// slice is owned by the listener.
	FoundObjects(objects []common.TrackedRecognition)
	// Error reports a recoverable per-frame failure.
	Error(message string)
	// Info reports sizes and the duration of the last inference.
	Info(previewSize, modelInputSize images.Size, lastInferenceMs int64)
}

// Frame is a captured frame handed to the scheduler. Close returns the
// frame to its producer.
type Frame interface {
	Planes() []images.Plane
	Close() error
}
