// Package tracker - Reconciles detector output with a correlation based
// object tracker so that boxes stay on their objects between detections.
package tracker

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/pipeline"
)

const (
	// MaxOverlap is the IoU above which a new detection competes with a
	// tracked object for the same place.
	MaxOverlap = 0.1
	// MinSize is the smallest width or height of a box worth tracking, in pixels.
	MinSize = 16.0
	// MarginalCorrelation is the correlation a new track needs to start, and
	// the level above which an existing track keeps its place.
	MarginalCorrelation = 0.75
	// MinCorrelation is the correlation below which a track is lost.
	MinCorrelation = 0.20
)

// ObjectTracker follows image patches across luminance frames. MultiBox
// serializes its calls; the TrackedObjects it returns must be safe to query
// while NextFrame runs.
type ObjectTracker interface {
	// NextFrame advances every live object to frame.
	NextFrame(frame pipeline.LumaFrame, timestamp int64)
	// TrackObject starts following box in frame.
	TrackObject(box common.BoundingBox, frame pipeline.LumaFrame, timestamp int64) common.TrackedObject
}

// Factory creates an ObjectTracker for frames of the given geometry.
type Factory func(width, height, rowStride int) (ObjectTracker, error)

// MultiBox implements pipeline.Tracker.
//
// Without an ObjectTracker it republishes the latest detections as plain
// results; each ingest replaces the previous set.
type MultiBox struct {
	factory Factory
	logger  *slog.Logger

	initOnce sync.Once
	tracker  ObjectTracker
	trackMu  sync.Mutex

	mu      sync.Mutex
	objects []common.TrackedRecognition
}

var _ pipeline.Tracker = (*MultiBox)(nil)

// New creates a MultiBox. factory may be nil, in which case the tracker
// only republishes detections.
func New(factory Factory, logger *slog.Logger) *MultiBox {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiBox{factory: factory, logger: logger}
}

// Track advances tracked objects to frame and drops the ones whose
// correlation fell below MinCorrelation.
func (m *MultiBox) Track(frame pipeline.LumaFrame, timestamp int64) {
	m.initOnce.Do(func() { m.init(frame) })

	if m.tracker == nil {
		return
	}
	m.trackMu.Lock()
	m.tracker.NextFrame(frame, timestamp)
	m.trackMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = slices.DeleteFunc(m.objects, func(r common.TrackedRecognition) bool {
		if r.Object == nil {
			return false
		}
		if c := r.Object.Correlation(); c < MinCorrelation {
			m.logger.Debug("tracker: lost object", "label", r.Label, "correlation", c)
			r.Object.StopTracking()
			return true
		}
		return false
	})
}

func (m *MultiBox) init(frame pipeline.LumaFrame) {
	if m.factory == nil {
		return
	}
	t, err := m.factory(frame.Width, frame.Height, frame.RowStride)
	if err != nil {
		m.logger.Error("tracker: object tracker unavailable, publishing detections only", "error", err)
		return
	}
	m.logger.Info("tracker: initialized", "width", frame.Width, "height", frame.Height)
	m.tracker = t
}

// IngestGroundTruth reconciles the tracked objects with detections.
// Boxes smaller than MinSize are ignored; if nothing is left the current
// objects stay as they are.
func (m *MultiBox) IngestGroundTruth(detections []common.Recognition, frame pipeline.LumaFrame, timestamp int64) {
	m.initOnce.Do(func() { m.init(frame) })

	candidates := make([]common.Recognition, 0, len(detections))
	for _, d := range detections {
		if d.Box.Width() < MinSize || d.Box.Height() < MinSize {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return
	}

	if m.tracker == nil {
		plain := make([]common.TrackedRecognition, len(candidates))
		for i, c := range candidates {
			plain[i] = common.TrackedRecognition{Recognition: c}
		}
		m.mu.Lock()
		m.objects = plain
		m.mu.Unlock()
		return
	}

	for _, c := range candidates {
		m.handle(c, frame, timestamp)
	}
}

func (m *MultiBox) handle(det common.Recognition, frame pipeline.LumaFrame, timestamp int64) {
	m.trackMu.Lock()
	potential := m.tracker.TrackObject(det.Box, frame, timestamp)
	m.trackMu.Unlock()
	if potential == nil {
		return
	}
	if c := potential.Correlation(); c < MarginalCorrelation {
		m.logger.Debug("tracker: correlation too low to track", "label", det.Label, "correlation", c)
		potential.StopTracking()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced []int
	for i, existing := range m.objects {
		if existing.Object == nil {
			continue
		}
		if existing.Object.Position().IoU(potential.Position()) <= MaxOverlap {
			continue
		}
		if det.Confidence < existing.Confidence && existing.Object.Correlation() > MarginalCorrelation {
			// The existing track is strong and scored higher: keep it.
			potential.StopTracking()
			return
		}
		replaced = append(replaced, i)
	}

	for _, i := range slices.Backward(replaced) {
		m.logger.Debug("tracker: replacing object", "label", m.objects[i].Label, "by", det.Label)
		m.objects[i].Object.StopTracking()
		m.objects = slices.Delete(m.objects, i, i+1)
	}

	m.objects = append(m.objects, common.TrackedRecognition{Recognition: det, Object: potential})
}

// CurrentResults returns a copy of the tracked objects.
func (m *MultiBox) CurrentResults() []common.TrackedRecognition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.objects)
}
