// Package model acquires the process-wide detection model exactly once and
// exposes its readiness to the rest of the pipeline.
package model

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
)

// Model runs object detection on a single image. Boxes are reported in the
// pixel coordinates of img. Implementations must be safe for concurrent use.
type Model interface {
	Detect(ctx context.Context, img image.Image) ([]detection.Detection, error)
}

// OpenFunc performs the one acquisition attempt for a backend.
type OpenFunc func(ctx context.Context) (Model, error)

// ErrModelNotReady is returned while the model is still being acquired.
var ErrModelNotReady = errors.New("model not ready")

// LoadError reports a failed model acquisition.
type LoadError struct {
	Backend string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model load failed (%s): %v", e.Backend, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is, or wraps, a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
