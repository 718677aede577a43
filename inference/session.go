// Package inference - ONNX Runtime object detection.
package inference

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/livedetect/settings"
)

var (
	envOnce sync.Once
	envErr  error
)

// DefaultLibraryPath returns where the ONNX Runtime shared library is
// expected for the current platform, unless ONNXRUNTIME_LIB overrides it.
func DefaultLibraryPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// initEnvironment loads the shared library and initializes the runtime. It
// runs once per process; later calls return the first result.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if _, err := os.Stat(libPath); err != nil {
			envErr = errors.Wrapf(err, "inference: onnxruntime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = errors.Wrap(err, "inference: initialize onnxruntime")
		}
	})
	return envErr
}

// ProcessorChain returns the processors to try in order: the preferred one,
// then the CPU when backup is allowed.
func ProcessorChain(preferred settings.Processor, cpuBackup bool) []settings.Processor {
	chain := []settings.Processor{preferred}
	if preferred != settings.ProcessorCPU && cpuBackup {
		chain = append(chain, settings.ProcessorCPU)
	}
	return chain
}

// session is one ONNX Runtime session with its bound tensors.
type session struct {
	processor settings.Processor
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
}

type sessionArgs struct {
	modelPath  string
	inputName  string
	outputName string
	inputSize  int
	classes    int
	threads    int
}

// newSession creates a session on processor with tensors of shape
// [1, 3, size, size] and [1, 4+classes, anchors].
func newSession(processor settings.Processor, args sessionArgs) (*session, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(args.inputSize), int64(args.inputSize)))
	if err != nil {
		return nil, errors.Wrap(err, "inference: create input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+args.classes), int64(AnchorCount(args.inputSize))))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "inference: create output tensor")
	}

	options, err := sessionOptions(processor, args.threads)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	s, err := ort.NewAdvancedSession(
		args.modelPath,
		[]string{args.inputName},
		[]string{args.outputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("inference: create %s session: %w", processor, err)
	}

	return &session{processor: processor, session: s, input: input, output: output}, nil
}

func sessionOptions(processor settings.Processor, threads int) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "inference: create session options")
	}
	if err := configure(options, processor, threads); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, processor settings.Processor, threads int) error {
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return errors.Wrap(err, "inference: set threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "inference: set optimization level")
	}

	switch processor {
	case settings.ProcessorCPU:
		return nil
	case settings.ProcessorCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "inference: create CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return errors.Wrap(err, "inference: configure CUDA")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "inference: enable CUDA")
		}
	case settings.ProcessorCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "inference: enable CoreML")
		}
	case settings.ProcessorOpenVINO:
		err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type":    "CPU",
			"precision":      "FP32",
			"num_of_threads": fmt.Sprintf("%d", threads),
		})
		if err != nil {
			return errors.Wrap(err, "inference: enable OpenVINO")
		}
	default:
		return errors.Errorf("inference: unknown processor %q", processor)
	}
	return nil
}

func (s *session) run() error {
	return s.session.Run()
}

func (s *session) close() error {
	s.input.Destroy()
	s.output.Destroy()
	return s.session.Destroy()
}
