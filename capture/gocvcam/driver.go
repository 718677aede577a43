// Package gocvcam - A capture.Driver backed by an OpenCV video device.
package gocvcam

import (
	"image"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/livedetect/capture"
	"github.com/nvr-ai/livedetect/images"
)

// ErrUnknownCamera is returned when Open is given an ID this driver does not serve.
var ErrUnknownCamera = errors.New("gocvcam: unknown camera")

// Config configures a Driver.
type Config struct {
	// Device is the OpenCV video device index.
	Device int
	// Orientation is the clockwise mounting rotation of the sensor, in degrees.
	Orientation int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Driver exposes one OpenCV video device as an external camera.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	native images.Size
}

// New creates a driver for cfg.Device. The device is not opened until
// Cameras or Open is called.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: cfg.Logger.With("device", cfg.Device)}
}

func (d *Driver) id() string {
	return strconv.Itoa(d.cfg.Device)
}

// Cameras probes the device once for its native size and reports it as a
// single external camera.
func (d *Driver) Cameras() ([]capture.CameraInfo, error) {
	native, err := d.probe()
	if err != nil {
		return nil, err
	}
	return []capture.CameraInfo{{
		ID:                d.id(),
		Facing:            capture.FacingExternal,
		SensorOrientation: d.cfg.Orientation,
		StreamSizes:       images.SizesWithin(native),
	}}, nil
}

func (d *Driver) probe() (images.Size, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.native.Valid() {
		return d.native, nil
	}

	vc, err := gocv.OpenVideoCapture(d.cfg.Device)
	if err != nil {
		return images.Size{}, errors.Wrapf(err, "gocvcam: probe device %d", d.cfg.Device)
	}
	defer vc.Close()

	d.native = images.Size{
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if !d.native.Valid() {
		return images.Size{}, errors.Errorf("gocvcam: device %d reports size %s", d.cfg.Device, d.native)
	}
	d.logger.Info("gocvcam: probed", "native", d.native.String())
	return d.native, nil
}

// Open opens the device on a new goroutine and reports the outcome through em.
func (d *Driver) Open(id string, em capture.Emitter) error {
	if id != d.id() {
		return errors.Wrapf(ErrUnknownCamera, "id %q", id)
	}

	go func() {
		vc, err := gocv.OpenVideoCapture(d.cfg.Device)
		if err != nil {
			em.Emit(capture.Event{Kind: capture.EventError, Err: errors.Wrapf(err, "gocvcam: open device %d", d.cfg.Device)})
			return
		}
		dev := &device{vc: vc, logger: d.logger}
		if !em.Emit(capture.Event{Kind: capture.EventOpened, Device: dev}) {
			_ = dev.Close()
		}
	}()
	return nil
}

type device struct {
	vc     *gocv.VideoCapture
	logger *slog.Logger

	mu     sync.Mutex
	reader *reader
	stream *stream
	closed bool
}

func (d *device) NewReader(size images.Size, format capture.Format, maxImages int, em capture.Emitter) (capture.Reader, error) {
	if format != capture.FormatYUV420 {
		return nil, errors.Errorf("gocvcam: unsupported format %d", format)
	}
	if !size.Valid() || size.Width%2 != 0 || size.Height%2 != 0 {
		return nil, errors.Errorf("gocvcam: unsupported reader size %s", size)
	}
	r := &reader{size: size, maxImages: int32(maxImages), em: em}

	d.mu.Lock()
	d.reader = r
	d.mu.Unlock()
	return r, nil
}

func (d *device) CreateSession(targets []capture.Target, em capture.Emitter) error {
	d.mu.Lock()
	r := d.reader
	d.mu.Unlock()
	if r == nil {
		return errors.New("gocvcam: session needs a reader target")
	}

	go func() {
		d.vc.Set(gocv.VideoCaptureFrameWidth, float64(r.size.Width))
		d.vc.Set(gocv.VideoCaptureFrameHeight, float64(r.size.Height))

		s := &stream{dev: d, reader: r, stop: make(chan struct{}), done: make(chan struct{})}
		d.mu.Lock()
		d.stream = s
		d.mu.Unlock()

		if !em.Emit(capture.Event{Kind: capture.EventConfigured, Stream: s}) {
			_ = s.Close()
		}
	}()
	return nil
}

// Close stops any running stream before releasing the device.
func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.stream
	d.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	return d.vc.Close()
}

type stream struct {
	dev    *device
	reader *reader

	stop     chan struct{}
	done     chan struct{}
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

// SetRepeating starts the read loop. Repeated calls keep the running loop.
func (s *stream) SetRepeating(req capture.Request) error {
	found := false
	for _, t := range req.Targets {
		if t == capture.Target(s.reader) {
			found = true
		}
	}
	if !found {
		return errors.New("gocvcam: repeating request does not target the reader")
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		s.started = true
		go s.run()
	}
	return nil
}

func (s *stream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if started {
		<-s.done
	}
	return nil
}

func (s *stream) run() {
	defer close(s.done)

	src := gocv.NewMat()
	defer src.Close()
	sized := gocv.NewMat()
	defer sized.Close()
	yuv := gocv.NewMat()
	defer yuv.Close()

	r := s.reader
	want := image.Pt(r.size.Width, r.size.Height)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.dev.vc.Read(&src); !ok {
			s.dev.logger.Warn("gocvcam: read failed")
			r.em.Emit(capture.Event{Kind: capture.EventDisconnected})
			return
		}
		if src.Empty() {
			continue
		}
		if !r.admit() {
			continue
		}

		frame := &src
		if src.Cols() != want.X || src.Rows() != want.Y {
			gocv.Resize(src, &sized, want, 0, 0, gocv.InterpolationLinear)
			frame = &sized
		}
		gocv.CvtColor(*frame, &yuv, gocv.ColorBGRToYUVI420)
		if yuv.Empty() {
			r.done()
			r.em.Emit(capture.Event{Kind: capture.EventError, Err: errors.New("gocvcam: frame conversion produced no data")})
			return
		}

		img := newFrame(yuv.ToBytes(), r.size.Width, r.size.Height, r.done)
		if !r.em.Emit(capture.Event{Kind: capture.EventFrameAvailable, Image: img}) {
			_ = img.Close()
			return
		}
	}
}

// reader caps the number of frames handed out and not yet closed.
type reader struct {
	size      images.Size
	maxImages int32
	em        capture.Emitter

	mu          sync.Mutex
	outstanding int32
}

func (r *reader) TargetName() string {
	return "gocvcam-reader"
}

func (r *reader) Close() error {
	return nil
}

// admit reserves room for one more frame, or reports that the consumer is
// still holding maxImages frames and this one should be dropped.
func (r *reader) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding >= r.maxImages {
		return false
	}
	r.outstanding++
	return true
}

func (r *reader) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding > 0 {
		r.outstanding--
	}
}
