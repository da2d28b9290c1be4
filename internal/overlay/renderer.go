// Package overlay composites detections over their source image.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// ErrGenerationMismatch is returned when detections and image come from
// different uploads. Nothing is drawn.
var ErrGenerationMismatch = errors.New("detections belong to a different generation than the image")

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Renderer draws detection overlays. Render is deterministic: the same
// inputs always produce the same pixels.
type Renderer struct {
	style Style
}

// NewRenderer creates a renderer with style.
func NewRenderer(style Style) (*Renderer, error) {
	if err := style.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{style: style}, nil
}

// Style returns the renderer's style.
func (r *Renderer) Style() Style { return r.style }

// Render clears surface, composites img at the origin and draws every
// detection in set order.
func (r *Renderer) Render(surface *Surface, img *decode.Image, set detection.Set) error {
	if surface == nil {
		return errors.New("nil surface")
	}
	if img == nil || img.Pixels == nil {
		return errors.New("no decoded image")
	}
	if set.Generation != img.Generation {
		return fmt.Errorf("%w: image %d, detections %d", ErrGenerationMismatch, img.Generation, set.Generation)
	}

	start := time.Now()
	bounds := image.Rect(0, 0, img.Width, img.Height)
	surface.reset(bounds)
	draw.Draw(surface.img, bounds, img.Pixels, img.Pixels.Bounds().Min, draw.Over)

	if !set.Empty() {
		dc := gg.NewContextForRGBA(surface.img)
		// truetype faces are not safe for concurrent use.
		dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: r.style.FontSize}))
		dc.SetColor(r.style.Color)
		dc.SetLineWidth(r.style.LineWidth)

		for _, d := range set.Items {
			dc.DrawRectangle(d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
			dc.Stroke()

			x, y := r.style.LabelAnchor(d.Box)
			dc.DrawString(d.Label(), x, y)
		}
	}

	surface.generation = set.Generation
	surface.drawn = true
	renderDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Compose renders into a fresh surface and returns the result.
func (r *Renderer) Compose(img *decode.Image, set detection.Set) (*image.RGBA, error) {
	s := NewSurface()
	if err := r.Render(s, img, set); err != nil {
		return nil, err
	}
	return s.Image(), nil
}
