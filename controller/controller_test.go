package controller

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/livedetect/capture"
	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/pipeline"
	"github.com/nvr-ai/livedetect/settings"
)

var preview = images.Size{Width: 64, Height: 48}

// MockDriver serves one camera and lets the test push frames.
type MockDriver struct {
	orientation int
	sizes       []images.Size

	mu     sync.Mutex
	em     capture.Emitter
	opened int
	closed int
}

func (d *MockDriver) Cameras() ([]capture.CameraInfo, error) {
	return []capture.CameraInfo{{ID: "cam", Facing: capture.FacingBack, SensorOrientation: d.orientation, StreamSizes: d.sizes}}, nil
}

func (d *MockDriver) Open(id string, em capture.Emitter) error {
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	go em.Emit(capture.Event{Kind: capture.EventOpened, Device: &mockDevice{d: d}})
	return nil
}

func (d *MockDriver) emitter() capture.Emitter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.em
}

func (d *MockDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

type mockDevice struct{ d *MockDriver }

func (m *mockDevice) NewReader(size images.Size, format capture.Format, maxImages int, em capture.Emitter) (capture.Reader, error) {
	return mockTarget("reader"), nil
}

func (m *mockDevice) CreateSession(targets []capture.Target, em capture.Emitter) error {
	go em.Emit(capture.Event{Kind: capture.EventConfigured, Stream: mockStream{}})
	m.d.mu.Lock()
	m.d.em = em
	m.d.mu.Unlock()
	return nil
}

func (m *mockDevice) Close() error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	m.d.closed++
	m.d.em = nil
	return nil
}

type mockTarget string

func (t mockTarget) TargetName() string { return string(t) }
func (t mockTarget) Close() error       { return nil }

type mockStream struct{}

func (mockStream) SetRepeating(capture.Request) error { return nil }
func (mockStream) Close() error                       { return nil }

// mockImage is a flat grey YUV420 frame.
type mockImage struct {
	planes []images.Plane
	closed atomic.Int32
}

func newMockImage(size images.Size) *mockImage {
	y := make([]byte, size.Width*size.Height)
	c := make([]byte, size.Width*size.Height/4)
	for i := range y {
		y[i] = 128
	}
	for i := range c {
		c[i] = 128
	}
	return &mockImage{planes: []images.Plane{
		{Data: y, RowStride: size.Width, PixelStride: 1},
		{Data: c, RowStride: size.Width / 2, PixelStride: 1},
		{Data: append([]byte(nil), c...), RowStride: size.Width / 2, PixelStride: 1},
	}}
}

func (m *mockImage) Width() int             { return preview.Width }
func (m *mockImage) Height() int            { return preview.Height }
func (m *mockImage) Planes() []images.Plane { return m.planes }
func (m *mockImage) Close() error {
	m.closed.Add(1)
	return nil
}

// MockDetector finds one object covering the centre half of the model input.
type MockDetector struct {
	calls  atomic.Int32
	closed atomic.Bool
}

func (m *MockDetector) Recognize(ctx context.Context, img image.Image) ([]common.Recognition, error) {
	m.calls.Add(1)
	b := img.Bounds()
	return []common.Recognition{{
		Label:      "wagon",
		Confidence: 0.9,
		Box: common.BoundingBox{
			X1: float32(b.Dx()) / 4, Y1: float32(b.Dy()) / 4,
			X2: float32(b.Dx()) * 3 / 4, Y2: float32(b.Dy()) * 3 / 4,
		},
	}}, nil
}

func (m *MockDetector) Close() error {
	m.closed.Store(true)
	return nil
}

type MockListener struct {
	mu      sync.Mutex
	objects [][]common.TrackedRecognition
	errors  []string
	infos   int
}

func (l *MockListener) FoundObjects(objects []common.TrackedRecognition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects = append(l.objects, objects)
}

func (l *MockListener) Error(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

func (l *MockListener) Info(previewSize, modelInputSize images.Size, lastInferenceMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos++
}

func (l *MockListener) snapshot() ([][]common.TrackedRecognition, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]common.TrackedRecognition(nil), l.objects...), append([]string(nil), l.errors...)
}

type fixture struct {
	driver   *MockDriver
	detector *MockDetector
	listener *MockListener
	ctrl     *Controller
	factory  atomic.Int32
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		driver:   &MockDriver{orientation: 0, sizes: []images.Size{preview}},
		detector: &MockDetector{},
		listener: &MockListener{},
	}
	cfg := Config{
		Driver: f.driver,
		NewDetector: func(ctx context.Context, s settings.Settings) (pipeline.Detector, error) {
			f.factory.Add(1)
			return f.detector, nil
		},
		Listener:    f.listener,
		LockTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := settings.Default(preview, "model.onnx", 32)
	s.UseTracker = false
	s.MinObjectSize = 0

	ctrl, err := New(cfg, s)
	require.NoError(t, err)
	f.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop() })
	return f
}

func (f *fixture) waitStreaming(t *testing.T) capture.Emitter {
	t.Helper()
	// Frames sent before the session streams are dropped; keep sending
	// until one comes out the other end.
	var em capture.Emitter
	require.Eventually(t, func() bool {
		em = f.driver.emitter()
		img := newMockImage(preview)
		if em == nil || !em.Emit(capture.Event{Kind: capture.EventFrameAvailable, Image: img}) {
			return false
		}
		objects, _ := f.listener.snapshot()
		return len(objects) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return em
}

func TestStartRunsPipeline(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, StateStopped, f.ctrl.State())

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, StateRunning, f.ctrl.State())
	assert.Equal(t, preview, f.ctrl.Settings().PreviewSize)

	f.waitStreaming(t)

	objects, errs := f.listener.snapshot()
	assert.Empty(t, errs)
	got := objects[len(objects)-1]
	require.Len(t, got, 1)
	assert.Equal(t, "wagon", got[0].Label)
	assert.InDelta(t, 16, got[0].Box.X1, 1e-3, "mapped back to the preview frame")
	assert.InDelta(t, 12, got[0].Box.Y1, 1e-3)
	assert.InDelta(t, 48, got[0].Box.X2, 1e-3)
	assert.InDelta(t, 36, got[0].Box.Y2, 1e-3)

	assert.NotZero(t, f.ctrl.Stats().Frames)
	assert.Equal(t, "inference", f.ctrl.Snapshot().Name)

	canvas := f.ctrl.Canvas(images.Size{Width: 32, Height: 32})
	require.Len(t, canvas, 1)
	assert.InDelta(t, 8, canvas[0].Box.X1, 1e-3)
	assert.InDelta(t, 24, canvas[0].Box.X2, 1e-3)

	require.NoError(t, f.ctrl.Stop())
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.True(t, f.detector.closed.Load())
	_, closed := f.driver.counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, pipeline.Stats{}, f.ctrl.Stats())
}

func TestFramesDroppedWhenStopped(t *testing.T) {
	f := newFixture(t, nil)
	img := newMockImage(preview)
	f.ctrl.onFrame(img)
	assert.Equal(t, int32(1), img.closed.Load())
	assert.Zero(t, f.detector.calls.Load())
}

func TestDetectorFailureStops(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.NewDetector = func(context.Context, settings.Settings) (pipeline.Detector, error) {
			return nil, errors.New("bad model")
		}
	})

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, f.ctrl.State())

	_, errs := f.listener.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "model init failed")
	opened, _ := f.driver.counts()
	assert.Zero(t, opened, "camera never opened")
}

func TestNoPreviewSize(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.sizes = nil

	err := f.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoPreviewSize)
	assert.Equal(t, StateStopped, f.ctrl.State())
}

func TestUpdateSettingsRejectedWhileInitializing(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	f := newFixture(t, func(cfg *Config) {
		cfg.NewDetector = func(context.Context, settings.Settings) (pipeline.Detector, error) {
			close(entered)
			<-release
			return &MockDetector{}, nil
		}
	})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Start(context.Background()) }()
	<-entered
	assert.Equal(t, StateInitializing, f.ctrl.State())

	err := f.ctrl.UpdateSettings(context.Background(), settings.Default(preview, "other.onnx", 32))
	assert.ErrorIs(t, err, ErrInitializing)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, f.ctrl.State())

	_, errs := f.listener.snapshot()
	assert.Contains(t, errs, ErrInitializing.Error())
}

func TestUpdateSettingsRestarts(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.ctrl.Start(context.Background()))

	next := f.ctrl.Settings()
	next.MinimumConfidence = 0.3
	require.NoError(t, f.ctrl.UpdateSettings(context.Background(), next))

	assert.Equal(t, StateRunning, f.ctrl.State())
	assert.Equal(t, float32(0.3), f.ctrl.Settings().MinimumConfidence)
	assert.Equal(t, int32(2), f.factory.Load())
	opened, _ := f.driver.counts()
	assert.Equal(t, 2, opened)
	require.Eventually(t, func() bool { _, c := f.driver.counts(); return c >= 1 }, time.Second, time.Millisecond,
		"the first device is closed")

	bad := next
	bad.Threads = 0
	assert.ErrorIs(t, f.ctrl.UpdateSettings(context.Background(), bad), settings.ErrInvalid)
	assert.Equal(t, StateRunning, f.ctrl.State(), "invalid settings leave the pipeline alone")
}

func TestSensorOrientationSubtractsDisplay(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.DisplayRotation = 90 })
	f.driver.orientation = 180
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.resultsMu.Lock()
	defer f.ctrl.resultsMu.Unlock()
	assert.Equal(t, 90, f.ctrl.orientation)
}

func TestToCanvas(t *testing.T) {
	obj := []common.TrackedRecognition{{Recognition: common.Recognition{
		Label: "wagon",
		Box:   common.BoundingBox{X1: 0, Y1: 0, X2: 640, Y2: 480},
	}}}
	frame := images.Size{Width: 640, Height: 480}

	got, err := ToCanvas(obj, frame, images.Size{Width: 320, Height: 320}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 320, got[0].Box.X2, 1e-3, "uniform 0.5 multiplier")
	assert.InDelta(t, 240, got[0].Box.Y2, 1e-3)
	assert.Equal(t, "wagon", got[0].Label)

	got, err = ToCanvas(obj, frame, images.Size{Width: 480, Height: 640}, 90)
	require.NoError(t, err)
	assert.InDelta(t, 0, got[0].Box.X1, 1e-3)
	assert.InDelta(t, 480, got[0].Box.X2, 1e-3)
	assert.InDelta(t, 640, got[0].Box.Y2, 1e-3)

	_, err = ToCanvas(obj, frame, images.Size{}, 0)
	assert.Error(t, err)
	_, err = ToCanvas(obj, frame, images.Size{Width: 10, Height: 10}, 45)
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	s := settings.Default(preview, "m", 32)
	_, err := New(Config{}, s)
	assert.Error(t, err)

	_, err = New(Config{Driver: &MockDriver{}, NewDetector: func(context.Context, settings.Settings) (pipeline.Detector, error) { return nil, nil }, Listener: &MockListener{}}, settings.Settings{})
	assert.ErrorIs(t, err, settings.ErrInvalid)
	assert.Equal(t, "initializing", StateInitializing.String())
}
