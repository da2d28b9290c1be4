// Package inference runs a ready model over a decoded image and tags the
// result with the image's generation.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/model"
)

// Dispatcher runs detection. Model output is passed through unchanged: no
// thresholding, reordering or deduplication.
type Dispatcher struct {
	timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds a single Detect call. Zero means no bound.
func WithTimeout(d time.Duration) Option { return func(p *Dispatcher) { p.timeout = d } }

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect runs m over img. A nil model fails with model.ErrModelNotReady.
// m must not be a typed nil such as (*model.SSD)(nil); the openers built by
// model.NewOpener never return one.
func (d *Dispatcher) Detect(ctx context.Context, m model.Model, img *decode.Image) (detection.Set, error) {
	if m == nil {
		return detection.Set{}, model.ErrModelNotReady
	}
	if img == nil || img.Pixels == nil {
		return detection.Set{}, errors.New("no decoded image")
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	items, err := m.Detect(ctx, img.Pixels)
	elapsed := time.Since(start)
	if err != nil {
		inferenceDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		return detection.Set{}, fmt.Errorf("inference failed for generation %d: %w", img.Generation, err)
	}
	inferenceDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	detectionsPerImage.Observe(float64(len(items)))

	if items == nil {
		items = []detection.Detection{}
	}
	slog.Debug("inference complete", "generation", img.Generation, "detections", len(items), "duration", elapsed)
	return detection.Set{Generation: img.Generation, Items: items}, nil
}
