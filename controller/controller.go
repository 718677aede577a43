// Package controller - Owns the lifecycle of one detection pipeline: camera
// session, detector, tracker and scheduler, restarted as a whole whenever
// the settings change.
package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/capture"
	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/pipeline"
	"github.com/nvr-ai/livedetect/profiler"
	"github.com/nvr-ai/livedetect/settings"
	"github.com/nvr-ai/livedetect/transform"
)

// State is the lifecycle state of a Controller.
type State int32

// Controller states.
const (
	StateStopped State = iota
	StateInitializing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrInitializing is returned when a lifecycle change is requested while
	// the pipeline is being initialized.
	ErrInitializing = errors.New("controller: cannot update settings, already initializing")
	// ErrNoPreviewSize is returned when the camera offers no stream size.
	ErrNoPreviewSize = errors.New("controller: camera offers no preview size")
)

// DetectorFactory creates the detector for s. A detector that implements
// io.Closer is closed when the pipeline stops.
type DetectorFactory func(ctx context.Context, s settings.Settings) (pipeline.Detector, error)

// TrackerFactory creates the tracker for s. It is only called when
// s.UseTracker is set.
type TrackerFactory func(s settings.Settings) pipeline.Tracker

// Config configures a Controller.
type Config struct {
	Driver capture.Driver
	// Preview is an optional display target for the camera stream.
	Preview capture.Target
	// DisplayRotation is the clockwise rotation of the display, in degrees.
	DisplayRotation int
	NewDetector     DetectorFactory
	NewTracker      TrackerFactory
	// Listener receives results, errors and info.
	Listener pipeline.Listener
	// LockTimeout is passed to the capture session.
	LockTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller runs one pipeline at a time.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes lifecycle changes.
	mu       sync.Mutex
	state    atomic.Int32
	settings settings.Settings
	session  *capture.Session
	detector pipeline.Detector
	sched    atomic.Pointer[pipeline.Scheduler]
	cancel   context.CancelFunc

	resultsMu   sync.Mutex
	orientation int
	results     []common.TrackedRecognition
}

var _ pipeline.Listener = (*Controller)(nil)

// New creates a stopped controller.
func New(cfg Config, s settings.Settings) (*Controller, error) {
	switch {
	case cfg.Driver == nil:
		return nil, errors.New("controller: driver is required")
	case cfg.NewDetector == nil:
		return nil, errors.New("controller: detector factory is required")
	case cfg.Listener == nil:
		return nil, errors.New("controller: listener is required")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger, settings: s}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Settings returns the settings of the current, or last, pipeline.
func (c *Controller) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Start initializes and starts the pipeline. Starting a running pipeline
// restarts it.
//
// Arguments:
//   - ctx: Parent of the pipeline context.
//
// Returns:
//   - error: ErrInitializing, or the initialization error. On error the
//     controller is stopped and the listener has been told.
func (c *Controller) Start(ctx context.Context) error {
	if !c.mu.TryLock() {
		return c.rejectBusy()
	}
	defer c.mu.Unlock()

	c.stopLocked()
	return c.initialize(ctx)
}

// UpdateSettings replaces the settings and restarts the pipeline with them.
// It is rejected while the pipeline is initializing.
func (c *Controller) UpdateSettings(ctx context.Context, s settings.Settings) error {
	if c.State() == StateInitializing || !c.mu.TryLock() {
		return c.rejectBusy()
	}
	defer c.mu.Unlock()

	if err := s.Validate(); err != nil {
		c.cfg.Listener.Error(err.Error())
		return err
	}
	c.settings = s
	c.stopLocked()
	return c.initialize(ctx)
}

func (c *Controller) rejectBusy() error {
	c.logger.Warn("controller: lifecycle change rejected", "state", c.State().String())
	c.cfg.Listener.Error(ErrInitializing.Error())
	return ErrInitializing
}

// Stop stops the camera, drains the scheduler and releases the detector.
// No listener callback fires after Stop returns.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) initialize(ctx context.Context) (err error) {
	c.state.Store(int32(StateInitializing))
	c.logger.Info("controller: initializing", "settings", c.settings.String())

	reported := false
	defer func() {
		if err != nil {
			c.logger.Error("controller: initialization failed", "error", err)
			c.stopLocked()
			if !reported {
				c.cfg.Listener.Error(err.Error())
			}
		}
	}()

	session := capture.NewSession(c.cfg.Driver, capture.Config{
		Preview:     c.cfg.Preview,
		LockTimeout: c.cfg.LockTimeout,
		Logger:      c.logger,
	}, c.onFrame, c.onCaptureError)
	c.session = session

	desired := c.settings.DesiredPreviewSize
	preview := images.ChooseOptimalSize(session.SupportedOutputSizes(), desired.Width, desired.Height)
	if !preview.Valid() {
		return ErrNoPreviewSize
	}
	s := c.settings.WithPreviewSize(preview)
	c.settings = s
	session.SetPreviewSize(preview)

	orientation := session.Orientation() - c.cfg.DisplayRotation
	c.resultsMu.Lock()
	c.orientation = orientation
	c.results = nil
	c.resultsMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	detector, err := c.cfg.NewDetector(runCtx, s)
	if err != nil {
		return errors.Wrap(err, "model init failed")
	}
	c.detector = detector

	var tracker pipeline.Tracker
	if s.UseTracker && c.cfg.NewTracker != nil {
		tracker = c.cfg.NewTracker(s)
	}
	if tracker == nil {
		s.UseTracker = false
		c.settings = s
	}

	sched, err := pipeline.NewScheduler(runCtx, pipeline.Config{
		Settings:          s,
		SensorOrientation: orientation,
		Detector:          detector,
		Tracker:           tracker,
		Listener:          c,
		Logger:            c.logger,
	})
	if err != nil {
		return err
	}
	c.sched.Store(sched)

	if err := session.Open(runCtx); err != nil {
		// The session already reported it.
		reported = true
		return err
	}

	c.state.Store(int32(StateRunning))
	c.logger.Info("controller: running", "preview", preview.String(), "orientation", orientation)
	return nil
}

func (c *Controller) stopLocked() error {
	c.state.Store(int32(StateStopped))

	var err error
	if c.session != nil {
		err = c.session.Stop()
		c.session = nil
	}
	if sched := c.sched.Swap(nil); sched != nil {
		sched.Stop()
	}
	if closer, ok := c.detector.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			c.logger.Warn("controller: closing detector", "error", cerr)
		}
	}
	c.detector = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return err
}

// onFrame admits a captured frame into the scheduler, or drops it when the
// pipeline is not running or both slots are busy.
func (c *Controller) onFrame(img capture.Image) {
	sched := c.sched.Load()
	if c.State() != StateRunning || sched == nil {
		_ = img.Close()
		return
	}
	slot := sched.Reserve()
	if slot == pipeline.NoSlot {
		_ = img.Close()
		return
	}
	if err := sched.Process(img, slot); err != nil {
		c.logger.Debug("controller: frame skipped", "error", err)
	}
}

func (c *Controller) onCaptureError(err error) {
	c.cfg.Listener.Error(err.Error())
}

// Stats returns the counters of the running scheduler.
func (c *Controller) Stats() pipeline.Stats {
	if sched := c.sched.Load(); sched != nil {
		return sched.Stats()
	}
	return pipeline.Stats{}
}

// Snapshot reports the inference timings of the running scheduler.
func (c *Controller) Snapshot() profiler.TimingStats {
	if sched := c.sched.Load(); sched != nil {
		return sched.Inference().Snapshot()
	}
	return profiler.TimingStats{Name: "inference"}
}

// FoundObjects keeps the latest results for Canvas and forwards them.
func (c *Controller) FoundObjects(objects []common.TrackedRecognition) {
	c.resultsMu.Lock()
	c.results = slices.Clone(objects)
	c.resultsMu.Unlock()
	c.cfg.Listener.FoundObjects(objects)
}

// Error forwards pipeline errors.
func (c *Controller) Error(message string) {
	c.cfg.Listener.Error(message)
}

// Info forwards pipeline info.
func (c *Controller) Info(previewSize, modelInputSize images.Size, lastInferenceMs int64) {
	c.cfg.Listener.Info(previewSize, modelInputSize, lastInferenceMs)
}

// Canvas returns the latest results mapped onto a canvas of the given size.
func (c *Controller) Canvas(canvas images.Size) []common.Recognition {
	preview := c.Settings().PreviewSize

	c.resultsMu.Lock()
	orientation := c.orientation
	results := slices.Clone(c.results)
	c.resultsMu.Unlock()

	out, err := ToCanvas(results, preview, canvas, orientation)
	if err != nil {
		c.logger.Debug("controller: cannot map to canvas", "error", err)
		return nil
	}
	return out
}

// ToCanvas maps tracked objects from preview frame coordinates onto a
// canvas. The frame is rotated by orientation and scaled uniformly to the
// largest size that fits the canvas, anchored at the top-left corner.
//
// Arguments:
//   - objects: Results in preview frame coordinates.
//   - preview: The preview frame size.
//   - canvas: The canvas size.
//   - orientation: Frame rotation in degrees, a multiple of 90.
//
// Returns:
//   - []common.Recognition: The results in canvas coordinates.
//   - error: An error if the sizes or the orientation are invalid.
func ToCanvas(objects []common.TrackedRecognition, preview, canvas images.Size, orientation int) ([]common.Recognition, error) {
	if !preview.Valid() || !canvas.Valid() {
		return nil, errors.Errorf("controller: cannot map %s onto %s", preview, canvas)
	}

	rotated := orientation%180 != 0
	frame := preview
	if rotated {
		frame = preview.Transposed()
	}
	multiplier := min(
		float32(canvas.Height)/float32(frame.Height),
		float32(canvas.Width)/float32(frame.Width),
	)

	m, err := transform.New(preview.Width, preview.Height,
		int(multiplier*float32(frame.Width)), int(multiplier*float32(frame.Height)),
		orientation, false)
	if err != nil {
		return nil, err
	}

	out := make([]common.Recognition, 0, len(objects))
	for _, o := range objects {
		rec := o.Recognition
		out = append(out, rec.WithBox(m.MapRect(o.Location())))
	}
	return out, nil
}
