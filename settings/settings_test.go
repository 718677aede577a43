package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/livedetect/images"
)

func TestDefault(t *testing.T) {
	s := Default(images.Size{Width: 640, Height: 480}, "model.onnx", 320)

	assert.Equal(t, 4, s.Threads)
	assert.Equal(t, ProcessorCPU, s.Processor)
	assert.Equal(t, float32(0.6), s.MinimumConfidence)
	assert.Equal(t, float32(0.45), s.IoU)
	assert.Equal(t, float32(30), s.MinObjectSize)
	assert.False(t, s.MaintainAspectRatio)
	assert.True(t, s.UseTracker)
	assert.True(t, s.UseCPUBackup)
	assert.NoError(t, s.Validate())
}

func TestWithPreviewSizeCopies(t *testing.T) {
	s := Default(images.Size{Width: 640, Height: 480}, "m.onnx", 320)
	resolved := s.WithPreviewSize(images.Size{Width: 800, Height: 600})

	assert.Equal(t, images.Size{}, s.PreviewSize)
	assert.Equal(t, images.Size{Width: 800, Height: 600}, resolved.PreviewSize)
}

func TestValidate(t *testing.T) {
	base := Default(images.Size{Width: 640, Height: 480}, "m.onnx", 320)

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero preview", func(s *Settings) { s.DesiredPreviewSize = images.Size{} }},
		{"negative resolved preview", func(s *Settings) { s.PreviewSize = images.Size{Width: -1, Height: 2} }},
		{"zero model input", func(s *Settings) { s.ModelInputSize = 0 }},
		{"zero threads", func(s *Settings) { s.Threads = 0 }},
		{"confidence above one", func(s *Settings) { s.MinimumConfidence = 1.5 }},
		{"negative iou", func(s *Settings) { s.IoU = -0.1 }},
		{"negative object size", func(s *Settings) { s.MinObjectSize = -1 }},
		{"unknown processor", func(s *Settings) { s.Processor = "tpu" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	s, err := Parse([]byte(`
desiredPreviewSize: {width: 1280, height: 720}
modelPath: yolo.onnx
processor: cuda
minimumConfidence: 0.5
`))
	require.NoError(t, err)

	assert.Equal(t, images.Size{Width: 1280, Height: 720}, s.DesiredPreviewSize)
	assert.Equal(t, "yolo.onnx", s.ModelPath)
	assert.Equal(t, ProcessorCUDA, s.Processor)
	assert.Equal(t, float32(0.5), s.MinimumConfidence)
	assert.Equal(t, DefaultModelInputSize, s.ModelInputSize)
	assert.Equal(t, float32(0.45), s.IoU)
	assert.True(t, s.UseTracker)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("threads: 0\n"))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = Parse([]byte("threads: [1, 2\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: 2\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Settings, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(s Settings) { got <- s })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("threads: 8\n"), 0o644))

	select {
	case s := <-got:
		assert.Equal(t, 8, s.Threads)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not stop")
	}
}
