package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/images/cvimage"
	"github.com/nvr-ai/livedetect/profiler"
	"github.com/nvr-ai/livedetect/settings"
	"github.com/nvr-ai/livedetect/transform"
)

// Config configures a Scheduler.
type Config struct {
	// Settings must carry a resolved PreviewSize.
	Settings settings.Settings
	// SensorOrientation rotates frames into the model input, in degrees.
	SensorOrientation int
	// Detector is required.
	Detector Detector
	// Tracker is required when Settings.UseTracker is set.
	Tracker Tracker
	// Listener is required.
	Listener Listener
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Frames is the number of frames processed by a worker.
	Frames uint64 `json:"frames"`
	// Dropped is the number of frames refused because no slot was free.
	Dropped uint64 `json:"dropped"`
	// Detections is the number of detection passes started.
	Detections uint64 `json:"detections"`
	// Busy is the number of frames that skipped detection.
	Busy uint64 `json:"busy"`
	// Failures is the number of failed detection passes.
	Failures uint64 `json:"failures"`
	// Overflows is the number of frames skipped for a buffer mismatch.
	Overflows uint64 `json:"overflows"`
	// Inference times the detector calls.
	Inference profiler.TimingStats `json:"inference"`
}

type task struct {
	frame  Frame
	slot   int
	planes []images.Plane
}

// Scheduler runs tracking on every admitted frame and detection on the
// frames that arrive while no detection is in flight.
type Scheduler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings settings.Settings
	detector Detector
	tracker  Tracker
	listener Listener
	logger   *slog.Logger

	pool  Pool
	arena Arena
	pair  transform.Pair
	model images.Size

	mu        sync.Mutex
	stopped   bool
	tasks     chan task
	wg        sync.WaitGroup
	closeOnce sync.Once

	timestamp atomic.Int64
	detecting atomic.Bool

	// Touched only while detecting is held.
	conv   *cvimage.Converter
	scaled *image.RGBA

	publishMu sync.Mutex
	results   []common.TrackedRecognition

	inference       *profiler.TimeTracker
	lastInferenceMs atomic.Int64
	frames          atomic.Uint64
	dropped         atomic.Uint64
	detections      atomic.Uint64
	busy            atomic.Uint64
	failures        atomic.Uint64
	overflows       atomic.Uint64
}

// NewScheduler validates cfg, computes the frame-to-model transform pair and
// starts NumSlots workers.
//
// Arguments:
//   - ctx: Bounds detector calls; cancelling it aborts in-flight inference.
//   - cfg: The scheduler configuration.
//
// Returns:
//   - *Scheduler: The running scheduler.
//   - error: An error if cfg is incomplete or the transform cannot be built.
func NewScheduler(ctx context.Context, cfg Config) (*Scheduler, error) {
	if cfg.Detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if cfg.Listener == nil {
		return nil, errors.New("pipeline: listener is required")
	}
	if cfg.Settings.UseTracker && cfg.Tracker == nil {
		return nil, errors.New("pipeline: tracker is required when tracking is enabled")
	}
	preview := cfg.Settings.PreviewSize
	if !preview.Valid() {
		return nil, errors.Errorf("pipeline: preview size %s not resolved", preview)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	side := cfg.Settings.ModelInputSize
	pair, err := transform.NewPair(preview.Width, preview.Height, side, side,
		cfg.SensorOrientation, cfg.Settings.MaintainAspectRatio)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: frame transform")
	}

	model := images.Size{Width: side, Height: side}
	conv, err := cvimage.NewConverter(preview, model, pair.Forward)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: frame converter")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		settings:  cfg.Settings,
		detector:  cfg.Detector,
		tracker:   cfg.Tracker,
		listener:  cfg.Listener,
		logger:    cfg.Logger,
		pair:      pair,
		model:     model,
		tasks:     make(chan task, NumSlots),
		conv:      conv,
		scaled:    image.NewRGBA(image.Rect(0, 0, side, side)),
		inference: profiler.NewTimeTracker("inference", 0),
	}

	s.logger.Info("pipeline: starting",
		"preview", preview.String(), "model", s.model.String(),
		"orientation", cfg.SensorOrientation, "forward", pair.Forward.String())

	for i := 0; i < NumSlots; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Reserve claims a frame slot, or returns NoSlot when the caller must drop
// the frame.
func (s *Scheduler) Reserve() int {
	slot := s.pool.Reserve()
	if slot == NoSlot {
		s.dropped.Add(1)
	}
	return slot
}

// Release frees a slot that was reserved but never submitted.
func (s *Scheduler) Release(slot int) {
	s.pool.Release(slot)
}

// Process copies frame into slot and queues it for a worker. The slot must
// come from Reserve. Ownership of both passes to the scheduler: on every
// path, including errors, the frame is closed and the slot released.
//
// Arguments:
//   - frame: The captured frame.
//   - slot: The slot reserved for it.
//
// Returns:
//   - error: ErrStopped, ErrInvalidSlot or ErrBufferOverflow. The frame has
//     been skipped; the pipeline keeps running.
func (s *Scheduler) Process(frame Frame, slot int) error {
	if slot < 0 || slot >= NumSlots {
		s.closeFrame(frame)
		return errors.Wrapf(ErrInvalidSlot, "slot %d", slot)
	}

	planes, err := s.arena.Fill(slot, frame.Planes())
	if err != nil {
		s.overflows.Add(1)
		s.logger.Warn("pipeline: skipping frame", "slot", slot, "error", err)
		s.finish(frame, slot)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.finish(frame, slot)
		return ErrStopped
	}
	// Never blocks: a queued task always holds one of the NumSlots slots.
	s.tasks <- task{frame: frame, slot: slot, planes: planes}
	return nil
}

// Stop stops accepting frames and waits for in-flight tasks to finish. No
// listener callback fires after Stop returns. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.tasks)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	s.closeOnce.Do(func() { _ = s.conv.Close() })
}

// Transform returns the frame-to-model transform pair.
func (s *Scheduler) Transform() transform.Pair {
	return s.pair
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Frames:     s.frames.Load(),
		Dropped:    s.dropped.Load(),
		Detections: s.detections.Load(),
		Busy:       s.busy.Load(),
		Failures:   s.failures.Load(),
		Overflows:  s.overflows.Load(),
		Inference:  s.inference.Snapshot(),
	}
}

// Inference exposes the inference timer for periodic reports.
func (s *Scheduler) Inference() *profiler.TimeTracker {
	return s.inference
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		s.run(t)
	}
}

func (s *Scheduler) run(t task) {
	defer s.finish(t.frame, t.slot)
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("pipeline: task panicked", "slot", t.slot, "panic", r)
			s.reportError(fmt.Sprintf("frame processing failed: %v", r))
		}
	}()

	s.frames.Add(1)
	ts := s.timestamp.Add(1)
	preview := s.settings.PreviewSize
	luma := LumaFrame{
		Data:      t.planes[0].Data,
		Width:     preview.Width,
		Height:    preview.Height,
		RowStride: t.planes[0].RowStride,
	}

	if s.settings.UseTracker {
		s.tracker.Track(luma, ts)
		s.publishTracked()
	}

	if !s.detecting.CompareAndSwap(false, true) {
		s.busy.Add(1)
		return
	}

	valid, ok := s.detect(t.planes)
	if !ok {
		return
	}

	if s.settings.UseTracker {
		s.tracker.IngestGroundTruth(valid, luma, ts)
	}
	s.publishDetections(valid)
}

// detect runs one detection pass and clears the busy flag before returning.
func (s *Scheduler) detect(planes []images.Plane) ([]common.Recognition, bool) {
	defer s.detecting.Store(false)
	s.detections.Add(1)

	if err := s.conv.Convert(s.scaled, planes[0], planes[1], planes[2]); err != nil {
		if errors.Is(err, cvimage.ErrPlaneTooShort) {
			s.overflows.Add(1)
			s.logger.Warn("pipeline: skipping frame", "error", err)
		} else {
			s.failures.Add(1)
			s.logger.Error("pipeline: frame conversion failed", "error", err)
		}
		return nil, false
	}

	done := s.inference.Start()
	results, err := s.detector.Recognize(s.ctx, s.scaled)
	s.lastInferenceMs.Store(done().Milliseconds())
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("pipeline: detection failed", "error", err)
		s.reportError("object detection failed: " + err.Error())
		return nil, false
	}

	minConf := s.settings.MinimumConfidence
	minSize := s.settings.MinObjectSize
	valid := make([]common.Recognition, 0, len(results))
	for _, r := range results {
		if r.Confidence < minConf || r.Box.Width() < minSize || r.Box.Height() < minSize {
			continue
		}
		valid = append(valid, r.WithBox(s.pair.Inverse.MapRect(r.Box)))
	}

	s.logger.Debug("pipeline: detected", "raw", len(results), "valid", len(valid),
		"ms", s.lastInferenceMs.Load())
	return valid, true
}

func (s *Scheduler) reportError(message string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.listener.Error(message)
}

func (s *Scheduler) publishTracked() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.collectTracked()
	s.listener.FoundObjects(slices.Clone(s.results))
}

func (s *Scheduler) publishDetections(valid []common.Recognition) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.settings.UseTracker {
		s.collectTracked()
	} else {
		s.results = s.results[:0]
		for _, r := range valid {
			s.results = append(s.results, common.TrackedRecognition{Recognition: r})
		}
	}

	s.listener.FoundObjects(slices.Clone(s.results))
	s.listener.Info(s.settings.PreviewSize, s.model, s.lastInferenceMs.Load())
}

// collectTracked refills the shared result list. Callers hold publishMu.
func (s *Scheduler) collectTracked() {
	s.results = s.results[:0]
	for _, r := range s.tracker.CurrentResults() {
		if r.Valid() {
			s.results = append(s.results, r)
		}
	}
}

func (s *Scheduler) finish(frame Frame, slot int) {
	s.closeFrame(frame)
	s.pool.Release(slot)
}

func (s *Scheduler) closeFrame(frame Frame) {
	if err := frame.Close(); err != nil {
		s.logger.Warn("pipeline: closing frame", "error", err)
	}
}
