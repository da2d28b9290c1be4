package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelsDir(t *testing.T) {
	tests := []struct {
		name           string
		explicitDir    string
		envVar         string
		expectedResult string
	}{
		{
			name:           "explicit directory takes precedence",
			explicitDir:    "/explicit/path",
			envVar:         "/env/path",
			expectedResult: "/explicit/path",
		},
		{
			name:           "environment variable used when no explicit dir",
			envVar:         "/env/path",
			expectedResult: "/env/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvModelsDir, tt.envVar)
			assert.Equal(t, tt.expectedResult, GetModelsDir(tt.explicitDir))
		})
	}
}

func TestGetModelsDir_DefaultUsesProjectRoot(t *testing.T) {
	t.Setenv(EnvModelsDir, "")

	root, err := findProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, DefaultModelsDir), GetModelsDir(""))
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()

	// Flat layout when nothing organized exists.
	assert.Equal(t, filepath.Join(dir, DetectorSSDMobileNetV2),
		ResolveModelPath(dir, TypeDetection, VariantStandard, DetectorSSDMobileNetV2))

	organized := filepath.Join(dir, TypeDetection, VariantStandard, DetectorSSDMobileNetV2)
	require.NoError(t, os.MkdirAll(filepath.Dir(organized), 0o750))
	require.NoError(t, os.WriteFile(organized, []byte("onnx"), 0o600))

	assert.Equal(t, organized, ResolveModelPath(dir, TypeDetection, VariantStandard, DetectorSSDMobileNetV2))

	labels := filepath.Join(dir, TypeLabels, LabelsCOCO)
	require.NoError(t, os.MkdirAll(filepath.Dir(labels), 0o750))
	require.NoError(t, os.WriteFile(labels, []byte("person\n"), 0o600))

	// Variants only apply to detection models.
	assert.Equal(t, labels, ResolveModelPath(dir, TypeLabels, VariantLite, LabelsCOCO))
}

func TestGetDetectorModelPath(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		variant  string
		expected string
	}{
		{VariantStandard, filepath.Join(dir, DetectorSSDMobileNetV2)},
		{VariantLite, filepath.Join(dir, DetectorSSDLite)},
		{"", filepath.Join(dir, DetectorSSDMobileNetV2)},
		{"unknown", filepath.Join(dir, DetectorSSDMobileNetV2)},
	}

	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetDetectorModelPath(dir, tt.variant))
		})
	}
}

func TestGetLabelsPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, LabelsCOCO), GetLabelsPath(dir, ""))
	assert.Equal(t, filepath.Join(dir, "custom.txt"), GetLabelsPath(dir, "custom.txt"))
}

func TestValidateModelExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DetectorSSDLite)

	err := ValidateModelExists(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.NoError(t, ValidateModelExists(path))
}

func TestListAvailableModels(t *testing.T) {
	infos := ListAvailableModels()
	require.Len(t, infos, 3)

	names := make(map[string]bool)
	for _, info := range infos {
		assert.NotEmpty(t, info.Filename)
		assert.NotEmpty(t, info.Description)
		names[info.Name] = true
	}
	assert.True(t, names["ssd-mobilenet-v2"])
	assert.True(t, names["coco-labels"])
}
