package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/livedetect/settings"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultModelPath, s.ModelPath)
	assert.Equal(t, settings.DefaultModelInputSize, s.ModelInputSize)
	assert.Equal(t, 640, s.DesiredPreviewSize.Width)
}

func TestLoadSettingsFileAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modelPath: wagons.onnx\nthreads: 2\nprocessor: cuda\n"), 0o600))

	s, err := loadSettings(path, "")
	require.NoError(t, err)
	assert.Equal(t, "wagons.onnx", s.ModelPath)
	assert.Equal(t, 2, s.Threads)
	assert.Equal(t, settings.ProcessorCUDA, s.Processor)

	s, err = loadSettings(path, "override.onnx")
	require.NoError(t, err)
	assert.Equal(t, "override.onnx", s.ModelPath)

	_, err = loadSettings(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}
