// Package detection defines the values exchanged between the detection stages:
// generation tokens, detections and detection sets.
package detection

import (
	"fmt"
	"math"

	"github.com/samber/lo"
)

// Generation identifies one upload-to-render cycle. Zero means "no upload yet".
type Generation uint64

// Next returns the generation following g.
func (g Generation) Next() Generation { return g + 1 }

// BoundingBox is an axis-aligned box in source-image pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewBoxFromCorners builds a box from two opposite corners, in any order.
func NewBoxFromCorners(x1, y1, x2, y2 float64) BoundingBox {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Detection is one model output.
type Detection struct {
	Class string      `json:"class"`
	Score float64     `json:"score"`
	Box   BoundingBox `json:"bbox"`
}

// Percent returns the score as a whole percentage, rounded half away from zero.
func (d Detection) Percent() int {
	return int(math.Round(d.Score * 100))
}

// Label is the text drawn next to the box and shown in the prediction list.
func (d Detection) Label() string {
	return fmt.Sprintf("%s: %d%%", d.Class, d.Percent())
}

// Set is the ordered output of one inference run, tied to the image
// generation it was computed from. Order is the model's output order.
type Set struct {
	Generation Generation  `json:"generation"`
	Items      []Detection `json:"detections"`
}

// Len returns the number of detections.
func (s Set) Len() int { return len(s.Items) }

// Empty reports whether the set holds no detections.
func (s Set) Empty() bool { return len(s.Items) == 0 }

// Lines returns one "class: NN%" line per detection, in detection order.
func (s Set) Lines() []string {
	return lo.Map(s.Items, func(d Detection, _ int) string { return d.Label() })
}
