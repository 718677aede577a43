package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/images"
)

const (
	// DefaultLockTimeout bounds the wait for the open/close lock.
	DefaultLockTimeout = 2500 * time.Millisecond
	// MaxImages is the number of frames a reader may have outstanding.
	MaxImages = 2
	// eventBuffer is the capacity of the session event channel.
	eventBuffer = 16
)

var (
	// ErrLockTimeout is returned when the open/close lock was not acquired
	// in time, which points to a stuck hardware handle.
	ErrLockTimeout = errors.New("capture: timed out waiting for camera lock")
	// ErrNoCamera is returned when no usable camera exists.
	ErrNoCamera = errors.New("capture: no usable camera")
	// ErrConfigureFailed is reported when the capture stream cannot be configured.
	ErrConfigureFailed = errors.New("capture: stream configuration failed")
	// ErrDevice is reported when the device fails after opening.
	ErrDevice = errors.New("capture: device error")
)

// Config configures a Session.
type Config struct {
	// PreviewSize is the size frames are read at.
	PreviewSize images.Size
	// Preview is an optional display target added to the stream.
	Preview Target
	// LockTimeout defaults to DefaultLockTimeout.
	LockTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// FrameHandler receives captured frames on the session goroutine and owns
// them: it must Close every Image.
type FrameHandler func(img Image)

// ErrorHandler receives session errors.
type ErrorHandler func(err error)

// Session drives one camera from Closed to Streaming and back.
type Session struct {
	id      string
	driver  Driver
	cfg     Config
	logger  *slog.Logger
	onFrame FrameHandler
	onError ErrorHandler

	// lock is the single-permit open/close lock.
	lock  chan struct{}
	state atomic.Int32

	mu      sync.Mutex
	loop    *eventLoop
	device  Device
	stream  Stream
	reader  Reader
	targets []Target
}

// NewSession creates a closed session.
//
// Arguments:
//   - driver: The camera driver.
//   - cfg: The session configuration.
//   - onFrame: Receives frames while streaming.
//   - onError: Receives errors; may be nil.
//
// Returns:
//   - *Session: The session, in StateClosed.
func NewSession(driver Driver, cfg Config, onFrame FrameHandler, onError ErrorHandler) *Session {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	id := uuid.NewString()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Session{
		id:      id,
		driver:  driver,
		cfg:     cfg,
		logger:  cfg.Logger.With("session", id),
		onFrame: onFrame,
		onError: onError,
		lock:    make(chan struct{}, 1),
	}
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetPreviewSize sets the size the next Open reads frames at.
func (s *Session) SetPreviewSize(size images.Size) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PreviewSize = size
}

// Open acquires the open/close lock, starts the event goroutine and asks the
// driver to open the first usable camera. It returns once the request is
// issued; the session reaches StateStreaming asynchronously.
//
// A lock timeout is fatal to this call only: the error is passed to the
// error handler and the state is left to whichever attempt holds the lock.
//
// Arguments:
//   - ctx: Cancels the wait for the lock.
//
// Returns:
//   - error: ErrLockTimeout, ErrNoCamera or a driver error.
func (s *Session) Open(ctx context.Context) error {
	s.logger.Info("capture: opening")

	if err := s.acquire(ctx); err != nil {
		s.logger.Error("capture: open failed", "error", err)
		s.onError(err)
		return err
	}
	s.setState(StateOpening)

	cam, err := s.chooseCamera()
	if err != nil {
		return s.abortOpen(err)
	}

	em := s.startLoop()
	if err := s.driver.Open(cam.ID, em); err != nil {
		return s.abortOpen(errors.Wrapf(err, "capture: open camera %s", cam.ID))
	}
	return nil
}

func (s *Session) abortOpen(err error) error {
	s.release()
	s.setState(StateClosed)
	s.logger.Error("capture: open failed", "error", err)
	s.onError(err)
	return err
}

// Stop closes the stream, the device and the reader, in that order, then
// stops the event goroutine and waits for it. No frame or error handler
// runs after Stop returns.
//
// The lock wait is bounded; on timeout the resources are closed anyway and
// ErrLockTimeout is returned.
func (s *Session) Stop() error {
	s.logger.Info("capture: stopping")
	s.setState(StateClosing)

	lockErr := s.acquire(context.Background())
	if lockErr != nil {
		s.logger.Warn("capture: forcing close", "error", lockErr)
	}

	s.teardown()
	s.release()
	s.stopLoop()
	// A handler that was running during the first teardown may have stored
	// resources since; the loop is joined now, so this pass sees them all.
	s.teardown()
	s.setState(StateClosed)

	return lockErr
}

// Orientation returns the sensor orientation of the camera Open would
// pick, or 0 when the driver fails.
func (s *Session) Orientation() int {
	cam, err := s.chooseCamera()
	if err != nil {
		s.logger.Error("capture: orientation query failed", "error", err)
		return 0
	}
	return cam.SensorOrientation
}

// SupportedOutputSizes returns the stream sizes of the camera Open would
// pick, or nil when the driver fails.
func (s *Session) SupportedOutputSizes() []images.Size {
	cam, err := s.chooseCamera()
	if err != nil {
		s.logger.Error("capture: output size query failed", "error", err)
		return nil
	}
	return cam.StreamSizes
}

// chooseCamera returns the first camera that is not front-facing and can stream.
func (s *Session) chooseCamera() (CameraInfo, error) {
	cams, err := s.driver.Cameras()
	if err != nil {
		return CameraInfo{}, errors.Wrap(err, "capture: list cameras")
	}
	for _, c := range cams {
		if c.Facing == FacingFront || len(c.StreamSizes) == 0 {
			continue
		}
		return c, nil
	}
	return CameraInfo{}, ErrNoCamera
}

func (s *Session) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case s.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.Wrapf(ErrLockTimeout, "after %v", s.cfg.LockTimeout)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "capture: waiting for camera lock")
	}
}

// release frees the lock. Releasing a free lock is a no-op.
func (s *Session) release() {
	select {
	case <-s.lock:
	default:
	}
}

func (s *Session) closing() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("capture: state", "from", prev.String(), "to", next.String())
	}
}

func (s *Session) startLoop() Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop == nil {
		s.loop = newEventLoop()
		go s.loop.run(s.handle)
	}
	return s.loop
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()

	if loop != nil {
		loop.stop()
	}
}

// teardown closes the stream, the device and the reader, each if present.
func (s *Session) teardown() {
	s.mu.Lock()
	stream, device, reader := s.stream, s.device, s.reader
	s.stream, s.device, s.reader, s.targets = nil, nil, nil, nil
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warn("capture: closing stream", "error", err)
		}
	}
	if device != nil {
		if err := device.Close(); err != nil {
			s.logger.Warn("capture: closing device", "error", err)
		}
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			s.logger.Warn("capture: closing reader", "error", err)
		}
	}
}

// handle runs on the event goroutine.
func (s *Session) handle(ev Event, em Emitter) {
	if ev.Kind != EventFrameAvailable {
		s.logger.Debug("capture: event", "kind", ev.Kind.String(), "state", s.State().String())
	}

	switch ev.Kind {
	case EventOpened:
		s.onOpened(ev.Device, em)
	case EventConfigured:
		s.onConfigured(ev.Stream)
	case EventConfigureFailed:
		s.fail(wrapCause(ErrConfigureFailed, ev.Err))
	case EventDisconnected, EventError, EventClosed:
		s.onDeviceLost(ev)
	case EventFrameAvailable:
		s.onFrameAvailable(ev.Image)
	}
}

func (s *Session) onOpened(device Device, em Emitter) {
	s.release()

	s.mu.Lock()
	if s.closing() {
		s.mu.Unlock()
		// Opened after Stop: nobody wants this device anymore.
		if err := device.Close(); err != nil {
			s.logger.Warn("capture: closing late device", "error", err)
		}
		return
	}
	s.device = device
	size := s.cfg.PreviewSize
	s.setState(StateOpened)
	s.setState(StateConfiguring)
	s.mu.Unlock()

	reader, err := device.NewReader(size, FormatYUV420, MaxImages, em)
	if err != nil {
		s.fail(errors.Wrap(err, "capture: create reader"))
		return
	}

	var targets []Target
	if s.cfg.Preview != nil {
		targets = append(targets, s.cfg.Preview)
	}
	targets = append(targets, reader)

	s.mu.Lock()
	// Stored even when Stop tore the device down meanwhile, so its final
	// teardown closes the reader.
	s.reader = reader
	if s.device != device || s.closing() {
		s.mu.Unlock()
		return
	}
	s.targets = targets
	s.mu.Unlock()

	if err := device.CreateSession(targets, em); err != nil {
		s.fail(errors.Wrap(err, "capture: create session"))
	}
}

func (s *Session) onConfigured(stream Stream) {
	s.mu.Lock()
	if s.device == nil {
		s.mu.Unlock()
		if err := stream.Close(); err != nil {
			s.logger.Warn("capture: closing orphan stream", "error", err)
		}
		return
	}
	s.stream = stream
	req := Request{Targets: s.targets, Focus: FocusContinuous, Exposure: ExposureAuto}
	s.mu.Unlock()

	if err := stream.SetRepeating(req); err != nil {
		s.fail(errors.Wrap(err, "capture: repeating request"))
		return
	}
	s.setState(StateStreaming)
	s.logger.Info("capture: streaming")
}

func (s *Session) onDeviceLost(ev Event) {
	s.release()
	s.teardown()
	s.setState(StateClosed)

	if ev.Kind == EventError {
		err := wrapCause(ErrDevice, ev.Err)
		s.logger.Error("capture: device failed", "error", err)
		s.onError(err)
		return
	}
	s.logger.Warn("capture: device lost", "kind", ev.Kind.String())
}

func (s *Session) onFrameAvailable(img Image) {
	if img == nil {
		return
	}
	if s.State() != StateStreaming || s.onFrame == nil {
		if err := img.Close(); err != nil {
			s.logger.Warn("capture: closing frame", "error", err)
		}
		return
	}
	s.onFrame(img)
}

// fail reports a session-fatal error and returns to StateClosed.
func (s *Session) fail(err error) {
	s.logger.Error("capture: session failed", "error", err)
	s.teardown()
	s.setState(StateClosed)
	s.onError(err)
}

// wrapCause returns sentinel annotated with the driver's cause, if any.
func wrapCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %v", sentinel, cause)
}
