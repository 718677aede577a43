package inference

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/settings"
)

// ErrInference wraps every failed detection pass.
var ErrInference = errors.New("inference: detection failed")

// Config configures an ONNXDetector.
type Config struct {
	ModelPath  string
	LabelsPath string
	// InputSize is the side of the square model input.
	InputSize int
	Threads   int
	Processor settings.Processor
	// UseCPUBackup retries on the CPU when Processor cannot be initialized.
	UseCPUBackup bool
	// MinimumScore drops candidates before suppression.
	MinimumScore float32
	// IoU is the suppression overlap threshold.
	IoU float32
	// LibraryPath defaults to DefaultLibraryPath.
	LibraryPath string
	// InputName and OutputName default to "images" and "output0".
	InputName  string
	OutputName string
	Logger     *slog.Logger
}

// ConfigFromSettings returns the detector configuration for s.
func ConfigFromSettings(s settings.Settings) Config {
	return Config{
		ModelPath:    s.ModelPath,
		LabelsPath:   s.LabelsPath,
		InputSize:    s.ModelInputSize,
		Threads:      s.Threads,
		Processor:    s.Processor,
		UseCPUBackup: s.UseCPUBackup,
		MinimumScore: s.MinimumConfidence,
		IoU:          s.IoU,
	}
}

// ONNXDetector runs a YOLO style ONNX model. Calls to Recognize are
// serialized.
type ONNXDetector struct {
	cfg       Config
	labels    []string
	logger    *slog.Logger
	processor settings.Processor

	mu      sync.Mutex
	session *session
}

// NewONNXDetector loads labels and the model, trying each processor of
// ProcessorChain until one initializes.
//
// Arguments:
//   - cfg: The detector configuration.
//
// Returns:
//   - *ONNXDetector: The ready detector.
//   - error: The last session error if no processor could be initialized.
func NewONNXDetector(cfg Config) (*ONNXDetector, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = DefaultLibraryPath()
	}
	if cfg.InputName == "" {
		cfg.InputName = "images"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output0"
	}
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, errors.Errorf("inference: input size %d must be a positive multiple of 32", cfg.InputSize)
	}

	labels, err := LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	args := sessionArgs{
		modelPath:  cfg.ModelPath,
		inputName:  cfg.InputName,
		outputName: cfg.OutputName,
		inputSize:  cfg.InputSize,
		classes:    len(labels),
		threads:    cfg.Threads,
	}

	var lastErr error
	for _, p := range ProcessorChain(cfg.Processor, cfg.UseCPUBackup) {
		s, err := newSession(p, args)
		if err != nil {
			cfg.Logger.Warn("inference: processor unavailable", "processor", p, "error", err)
			lastErr = err
			continue
		}
		cfg.Logger.Info("inference: model loaded",
			"model", cfg.ModelPath, "processor", p, "threads", cfg.Threads, "labels", len(labels))
		return &ONNXDetector{cfg: cfg, labels: labels, logger: cfg.Logger, processor: p, session: s}, nil
	}
	return nil, lastErr
}

// Processor returns the processor the model runs on.
func (d *ONNXDetector) Processor() settings.Processor {
	return d.processor
}

// Recognize runs the model over img, which should be InputSize square.
// Boxes are in img coordinates.
func (d *ONNXDetector) Recognize(ctx context.Context, img image.Image) ([]common.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil, errors.Wrap(ErrInference, "detector closed")
	}
	if err := FillInput(img, d.session.input.GetData(), d.cfg.InputSize); err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}
	if err := d.session.run(); err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}

	candidates, err := DecodeYOLO(d.session.output.GetData(), len(d.labels), AnchorCount(d.cfg.InputSize), d.cfg.MinimumScore)
	if err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}
	return toRecognitions(ApplyNMS(candidates, d.cfg.IoU, true), d.labels), nil
}

func toRecognitions(candidates []Candidate, labels []string) []common.Recognition {
	out := make([]common.Recognition, len(candidates))
	for i, c := range candidates {
		out[i] = common.Recognition{Label: Label(labels, c.Class), Confidence: c.Score, Box: c.Box}
	}
	return out
}

// Close releases the session. Recognize fails afterwards.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.close()
	d.session = nil
	return err
}
