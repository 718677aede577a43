// Package settings - Immutable pipeline configuration: defaults, validation,
// YAML loading and file watching.
//
// A Settings value is replaced wholesale to change configuration, which
// forces a full pipeline restart. Nothing mutates a Settings in place after
// it has been handed to a running pipeline.
package settings

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/livedetect/images"
)

// Processor selects the hardware that runs inference.
type Processor string

// Supported processors.
const (
	ProcessorCPU      Processor = "cpu"
	ProcessorCUDA     Processor = "cuda"
	ProcessorCoreML   Processor = "coreml"
	ProcessorOpenVINO Processor = "openvino"
)

// Defaults.
const (
	DefaultThreads           = 4
	DefaultProcessor         = ProcessorCPU
	DefaultMinimumConfidence = 0.6
	DefaultMaintainAspect    = false
	DefaultMinObjectSize     = 30
	DefaultIoU               = 0.45
	DefaultUseTracker        = true
	DefaultUseCPUBackup      = true
	DefaultModelInputSize    = 640
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("settings: invalid")

// Settings configures one pipeline session.
type Settings struct {
	// DesiredPreviewSize is the size the preview should at least have.
	DesiredPreviewSize images.Size `json:"desiredPreviewSize" yaml:"desiredPreviewSize"`
	// PreviewSize is the size the camera actually streams at. It is resolved
	// from DesiredPreviewSize when the capture session opens.
	PreviewSize images.Size `json:"previewSize" yaml:"previewSize,omitempty"`
	// ModelPath is the ONNX model file.
	ModelPath string `json:"modelPath" yaml:"modelPath"`
	// LabelsPath is an optional file with one label per line.
	LabelsPath string `json:"labelsPath" yaml:"labelsPath,omitempty"`
	// ModelInputSize is the side of the square model input.
	ModelInputSize int `json:"modelInputSize" yaml:"modelInputSize"`
	// Threads is the number of inference threads.
	Threads int `json:"threads" yaml:"threads"`
	// Processor selects where inference runs.
	Processor Processor `json:"processor" yaml:"processor"`
	// UseCPUBackup falls back to the CPU if Processor cannot be initialized.
	UseCPUBackup bool `json:"useCPUBackup" yaml:"useCPUBackup"`
	// MinimumConfidence drops detections scoring below it.
	MinimumConfidence float32 `json:"minimumConfidence" yaml:"minimumConfidence"`
	// IoU is the overlap above which non-maximum suppression drops a box.
	IoU float32 `json:"iou" yaml:"iou"`
	// MinObjectSize drops detections narrower or shorter than it, in model pixels.
	MinObjectSize float32 `json:"minObjectSize" yaml:"minObjectSize"`
	// MaintainAspectRatio crops to fill the model input instead of stretching.
	MaintainAspectRatio bool `json:"maintainAspectRatio" yaml:"maintainAspectRatio"`
	// UseTracker enables tracking between detections.
	UseTracker bool `json:"useTracker" yaml:"useTracker"`
}

// Default returns settings with the default thresholds for the given model.
//
// Arguments:
//   - desiredPreview: The preview size to aim for.
//   - modelPath: The ONNX model file.
//   - modelInputSize: The side of the square model input.
//
// Returns:
//   - Settings: The default settings.
func Default(desiredPreview images.Size, modelPath string, modelInputSize int) Settings {
	return Settings{
		DesiredPreviewSize:  desiredPreview,
		ModelPath:           modelPath,
		ModelInputSize:      modelInputSize,
		Threads:             DefaultThreads,
		Processor:           DefaultProcessor,
		UseCPUBackup:        DefaultUseCPUBackup,
		MinimumConfidence:   DefaultMinimumConfidence,
		IoU:                 DefaultIoU,
		MinObjectSize:       DefaultMinObjectSize,
		MaintainAspectRatio: DefaultMaintainAspect,
		UseTracker:          DefaultUseTracker,
	}
}

// WithPreviewSize returns a copy of s streaming at size.
func (s Settings) WithPreviewSize(size images.Size) Settings {
	s.PreviewSize = size
	return s
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	switch {
	case !s.DesiredPreviewSize.Valid():
		return errors.Wrapf(ErrInvalid, "desiredPreviewSize %s", s.DesiredPreviewSize)
	case s.PreviewSize != (images.Size{}) && !s.PreviewSize.Valid():
		return errors.Wrapf(ErrInvalid, "previewSize %s", s.PreviewSize)
	case s.ModelInputSize <= 0:
		return errors.Wrapf(ErrInvalid, "modelInputSize %d", s.ModelInputSize)
	case s.Threads <= 0:
		return errors.Wrapf(ErrInvalid, "threads %d", s.Threads)
	case s.MinimumConfidence < 0 || s.MinimumConfidence > 1:
		return errors.Wrapf(ErrInvalid, "minimumConfidence %v not in [0,1]", s.MinimumConfidence)
	case s.IoU < 0 || s.IoU > 1:
		return errors.Wrapf(ErrInvalid, "iou %v not in [0,1]", s.IoU)
	case s.MinObjectSize < 0:
		return errors.Wrapf(ErrInvalid, "minObjectSize %v", s.MinObjectSize)
	}

	switch s.Processor {
	case ProcessorCPU, ProcessorCUDA, ProcessorCoreML, ProcessorOpenVINO:
	default:
		return errors.Wrapf(ErrInvalid, "processor %q", s.Processor)
	}
	return nil
}

func (s Settings) String() string {
	return fmt.Sprintf("preview=%s model=%s input=%d processor=%s threads=%d conf=%.2f iou=%.2f minSize=%.0f aspect=%t tracker=%t",
		s.PreviewSize, s.ModelPath, s.ModelInputSize, s.Processor, s.Threads,
		s.MinimumConfidence, s.IoU, s.MinObjectSize, s.MaintainAspectRatio, s.UseTracker)
}

// Load reads settings from a YAML file. Fields missing from the file keep
// their default values.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - Settings: The validated settings.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "settings: read %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML settings on top of the defaults and validates them.
func Parse(data []byte) (Settings, error) {
	s := Default(images.Size{Width: 640, Height: 480}, "", DefaultModelInputSize)
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrap(err, "settings: parse")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
