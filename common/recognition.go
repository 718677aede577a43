package common

import "fmt"

// Recognition is one labelled, scored box produced by a detector.
//
// Values are immutable once produced: re-expressing the box in another
// coordinate space goes through WithBox, which returns a copy.
type Recognition struct {
	Label      string      `json:"label"`
	Confidence float32     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// WithBox returns a copy of r located at box.
func (r Recognition) WithBox(box BoundingBox) Recognition {
	r.Box = box
	return r
}

func (r Recognition) String() string {
	return fmt.Sprintf("%s (%.1f%%) %s", r.Label, r.Confidence*100, r.Box)
}

// TrackedObject is live tracker state attached to a recognition.
type TrackedObject interface {
	// Valid reports whether the tracker still confirms correspondence.
	Valid() bool
	// Position is the tracked box in sensor frame space.
	Position() BoundingBox
	// Correlation is the last normalized cross-correlation score.
	Correlation() float32
	// StopTracking releases the tracker state.
	StopTracking()
}

// TrackedRecognition is a recognition plus an optional handle to tracker state.
type TrackedRecognition struct {
	Recognition
	Object TrackedObject `json:"-"`
}

// Valid reports whether the recognition may be published. Plain detections
// (no tracker state attached) are always valid; tracked ones are valid only
// while the tracker confirms them.
func (t TrackedRecognition) Valid() bool {
	if t.Object == nil {
		return true
	}
	return t.Object.Valid()
}

// Location returns the tracker position when an object is attached,
// otherwise the detection box.
func (t TrackedRecognition) Location() BoundingBox {
	if t.Object != nil {
		return t.Object.Position()
	}
	return t.Box
}
