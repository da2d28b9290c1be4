package testutil

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
)

// FakeModel is an in-memory detector. It satisfies model.Model.
//
// When Gate is non-nil every call blocks until a value is received on it or
// the context is cancelled, which lets tests hold inference mid-flight.
type FakeModel struct {
	Detections []detection.Detection
	Err        error
	Gate       chan struct{}

	// Entered receives one value per call before it blocks on Gate.
	Entered chan struct{}

	calls atomic.Int64
	mu    sync.Mutex
	sizes []image.Point
}

// Detect returns the configured detections.
func (f *FakeModel) Detect(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.sizes = append(f.sizes, img.Bounds().Size())
	f.mu.Unlock()

	if f.Entered != nil {
		select {
		case f.Entered <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]detection.Detection, len(f.Detections))
	copy(out, f.Detections)
	return out, nil
}

// Calls returns how many times Detect ran.
func (f *FakeModel) Calls() int { return int(f.calls.Load()) }

// Sizes returns the image sizes passed to Detect, in call order.
func (f *FakeModel) Sizes() []image.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]image.Point, len(f.sizes))
	copy(out, f.sizes)
	return out
}

// Dog returns the detection used across the renderer and pipeline tests.
func Dog() detection.Detection {
	return detection.Detection{
		Class: "dog",
		Score: 0.93,
		Box:   detection.BoundingBox{X: 50, Y: 30, Width: 200, Height: 150},
	}
}
