// Package capture - The camera capture session state machine.
//
// Hardware drivers never call back into the session. They post Events
// through an Emitter onto a channel drained by one goroutine per session,
// and every state transition happens on that goroutine or under the
// session's open/close lock.
package capture

import (
	"fmt"

	"github.com/nvr-ai/livedetect/images"
)

// State is the lifecycle state of a Session.
type State int32

// Session states.
const (
	StateClosed State = iota
	StateOpening
	StateOpened
	StateConfiguring
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind identifies a driver event.
type EventKind int

// Driver events.
const (
	// EventOpened carries the opened Device.
	EventOpened EventKind = iota
	// EventDisconnected reports that the device went away.
	EventDisconnected
	// EventError reports a device failure in Err.
	EventError
	// EventClosed reports that the device closed.
	EventClosed
	// EventConfigured carries the configured Stream.
	EventConfigured
	// EventConfigureFailed reports a failed stream configuration in Err.
	EventConfigureFailed
	// EventFrameAvailable carries a captured Image.
	EventFrameAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventConfigured:
		return "configured"
	case EventConfigureFailed:
		return "configure-failed"
	case EventFrameAvailable:
		return "frame-available"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a message from a driver to the session.
type Event struct {
	Kind   EventKind
	Device Device
	Stream Stream
	Image  Image
	Err    error
}

// Emitter posts driver events to a session. Emit returns false when the
// session no longer listens; the event was not delivered and the caller
// keeps ownership of anything it carries, an Image in particular.
//
// Drivers must not Emit synchronously from inside a Driver, Device or
// Stream method call.
type Emitter interface {
	Emit(ev Event) bool
}

// Facing is the direction a camera lens points to.
type Facing int

// Lens directions.
const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

// Format is a frame pixel format.
type Format int

// FormatYUV420 is planar or semi-planar YUV 4:2:0.
const FormatYUV420 Format = iota

// CameraInfo describes one camera a driver can open.
type CameraInfo struct {
	ID                string
	Facing            Facing
	SensorOrientation int
	// StreamSizes is empty for cameras that cannot stream.
	StreamSizes []images.Size
}

// FocusMode controls autofocus of a repeating request.
type FocusMode int

// Focus modes.
const (
	FocusOff FocusMode = iota
	FocusContinuous
)

// ExposureMode controls auto exposure of a repeating request.
type ExposureMode int

// Exposure modes.
const (
	ExposureOff ExposureMode = iota
	ExposureAuto
)

// Request is a repeating capture request.
type Request struct {
	Targets  []Target
	Focus    FocusMode
	Exposure ExposureMode
}

// Driver enumerates and opens cameras.
type Driver interface {
	// Cameras lists the available cameras.
	Cameras() ([]CameraInfo, error)
	// Open starts opening camera id. The outcome is reported through em as
	// EventOpened or EventError.
	Open(id string, em Emitter) error
}

// Device is an opened camera.
type Device interface {
	// NewReader creates a frame reader that emits EventFrameAvailable
	// through em. At most maxImages images are outstanding at once.
	NewReader(size images.Size, format Format, maxImages int, em Emitter) (Reader, error)
	// CreateSession starts configuring a capture stream to targets. The
	// outcome is reported as EventConfigured or EventConfigureFailed.
	CreateSession(targets []Target, em Emitter) error
	Close() error
}

// Target is a surface a stream can render to.
type Target interface {
	TargetName() string
}

// Reader is the frame reader target.
type Reader interface {
	Target
	Close() error
}

// Stream is a configured capture stream.
type Stream interface {
	SetRepeating(req Request) error
	Close() error
}

// Image is a captured frame. The receiver must Close it to return the
// buffer to the reader.
type Image interface {
	Width() int
	Height() int
	Planes() []images.Plane
	Close() error
}
