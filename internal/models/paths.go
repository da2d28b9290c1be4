// Package models resolves on-disk locations of detector models and label files.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Model file names.
const (
	// Detector models (SSD MobileNet trained on COCO, exported to ONNX).
	DetectorSSDMobileNetV2 = "ssd_mobilenet_v2_coco.onnx"
	DetectorSSDLite        = "ssdlite_mobilenet_v2_coco.onnx"

	// Label files.
	LabelsCOCO = "coco_labels.txt"
)

// Model type categories for organized directory structure.
const (
	TypeDetection = "detection"
	TypeLabels    = "labels"
)

// Detector variants.
const (
	VariantStandard = "standard"
	VariantLite     = "lite"
)

// DefaultModelsDir is the models directory relative to the project root.
const DefaultModelsDir = "models"

// EnvModelsDir overrides the models directory.
const EnvModelsDir = "SNAPDETECT_MODELS_DIR"

// ModelInfo contains metadata about a model.
type ModelInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Variant     string `json:"variant,omitempty"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
}

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.New("could not find project root (go.mod not found)")
}

// GetModelsDir returns the models directory path.
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}
	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}
	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}
	return DefaultModelsDir
}

// ResolveModelPath resolves a filename to its full path. The organized
// layout (<dir>/<type>/[<variant>/]<file>) wins when the file exists there,
// otherwise the flat layout (<dir>/<file>) is returned.
func ResolveModelPath(modelsDir, modelType, variant, filename string) string {
	baseDir := GetModelsDir(modelsDir)

	if modelType != "" {
		organizedPath := filepath.Join(baseDir, modelType, filename)
		if variant != "" && modelType == TypeDetection {
			organizedPath = filepath.Join(baseDir, modelType, variant, filename)
		}
		if _, err := os.Stat(organizedPath); err == nil {
			return organizedPath
		}
	}

	return filepath.Join(baseDir, filename)
}

// DetectorFilename maps a variant to its model file name. Unknown variants
// fall back to the standard detector.
func DetectorFilename(variant string) string {
	if variant == VariantLite {
		return DetectorSSDLite
	}
	return DetectorSSDMobileNetV2
}

// GetDetectorModelPath returns the path of the detector for variant.
func GetDetectorModelPath(modelsDir, variant string) string {
	if variant != VariantLite {
		variant = VariantStandard
	}
	return ResolveModelPath(modelsDir, TypeDetection, variant, DetectorFilename(variant))
}

// GetLabelsPath returns the path of a label file.
func GetLabelsPath(modelsDir, filename string) string {
	if filename == "" {
		filename = LabelsCOCO
	}
	return ResolveModelPath(modelsDir, TypeLabels, "", filename)
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// ListAvailableModels returns information about the known models.
func ListAvailableModels() []ModelInfo {
	return []ModelInfo{
		{
			Name:        "ssd-mobilenet-v2",
			Type:        TypeDetection,
			Variant:     VariantStandard,
			Description: "SSD MobileNet v2 object detector (COCO)",
			Filename:    DetectorSSDMobileNetV2,
		},
		{
			Name:        "ssdlite-mobilenet-v2",
			Type:        TypeDetection,
			Variant:     VariantLite,
			Description: "SSDLite MobileNet v2 object detector (COCO)",
			Filename:    DetectorSSDLite,
		},
		{
			Name:        "coco-labels",
			Type:        TypeLabels,
			Description: "COCO class labels",
			Filename:    LabelsCOCO,
		},
	}
}
