package overlay

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
)

// Style is applied identically to every detection.
type Style struct {
	Color     color.RGBA
	LineWidth float64
	FontSize  float64
	// Margin is the minimum label baseline from the top edge.
	Margin float64
	// Offset lifts the label baseline above the box's top edge.
	Offset float64
}

// DefaultStyle returns red 4px boxes with 24px labels.
func DefaultStyle() Style {
	return Style{
		Color:     color.RGBA{R: 0xff, A: 0xff},
		LineWidth: 4,
		FontSize:  24,
		Margin:    10,
		Offset:    5,
	}
}

// Validate checks the style for usable values.
func (s Style) Validate() error {
	if s.LineWidth <= 0 {
		return fmt.Errorf("line width must be positive, got %v", s.LineWidth)
	}
	if s.FontSize <= 0 {
		return fmt.Errorf("font size must be positive, got %v", s.FontSize)
	}
	if s.Margin < 0 || s.Offset < 0 {
		return fmt.Errorf("label margin and offset must be non-negative, got %v and %v", s.Margin, s.Offset)
	}
	return nil
}

// LabelAnchor returns the label baseline origin for box. Labels sit just
// above the box unless that would push them past the top margin, in which
// case the baseline is pinned at the margin.
func (s Style) LabelAnchor(box detection.BoundingBox) (float64, float64) {
	if box.Y > s.Margin {
		return box.X, box.Y - s.Offset
	}
	return box.X, s.Margin
}

// ParseHexColor parses "#rgb", "#rrggbb" or "#rrggbbaa".
func ParseHexColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
