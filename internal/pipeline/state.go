package pipeline

import (
	"errors"
	"image"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
)

// ErrStaleGeneration marks a stage result whose generation has been
// superseded. It is only ever logged and counted.
var ErrStaleGeneration = errors.New("stale generation")

// State is the coordinator's position in the upload-to-render cycle.
type State int

const (
	Idle State = iota
	Decoding
	AwaitingModel
	Inferring
	Rendering
	Displayed
	// DetectionUnavailable is the preview-only mode after the model failed to load.
	DetectionUnavailable
)

var stateNames = [...]string{
	Idle:                 "idle",
	Decoding:             "decoding",
	AwaitingModel:        "awaiting_model",
	Inferring:            "inferring",
	Rendering:            "rendering",
	Displayed:            "displayed",
	DetectionUnavailable: "detection_unavailable",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settled reports whether no further work is pending for the displayed image.
func (s State) Settled() bool {
	return s == Displayed || s == DetectionUnavailable
}

// View is an immutable snapshot of a session. Callers must not modify it.
type View struct {
	// Generation is the most recent upload token, which may still be decoding.
	Generation detection.Generation
	// State describes Generation if it is decoding, otherwise the displayed image.
	State State
	// Image is the most recently decoded upload (the preview), nil before the first.
	Image *decode.Image
	// Overlay is the rendered surface, set only when Detections is non-empty.
	Overlay *image.RGBA
	// Detections belong to Image's generation.
	Detections detection.Set
	// Predictions holds one "class: NN%" line per detection.
	Predictions []string
	// Rejected is the last upload whose decode failed, 0 if none.
	Rejected detection.Generation
	// Err is the last absorbed error: a decode failure, a model load error
	// or an inference failure.
	Err error
}

// Displayed returns the generation of the preview image, 0 before the first decode.
func (v View) Displayed() detection.Generation {
	if v.Image == nil {
		return 0
	}
	return v.Image.Generation
}

// Settled reports whether generation g has reached a final outcome: its
// result is displayed, or its decode was rejected.
func (v View) Settled(g detection.Generation) bool {
	if v.Rejected == g {
		return true
	}
	return v.Generation == g && v.Displayed() == g && v.State.Settled()
}
