package overlay

import (
	"image"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
)

// Surface is the drawing target for one session. It is resized to the image
// on each render and always fully redrawn.
type Surface struct {
	img        *image.RGBA
	generation detection.Generation
	drawn      bool
}

// NewSurface returns an empty surface.
func NewSurface() *Surface { return &Surface{} }

// Image returns the backing image. It is nil before the first render.
func (s *Surface) Image() *image.RGBA { return s.img }

// Generation returns the generation last rendered, and whether anything was.
func (s *Surface) Generation() (detection.Generation, bool) { return s.generation, s.drawn }

// Snapshot returns a copy that later renders will not touch.
func (s *Surface) Snapshot() *image.RGBA {
	if s.img == nil {
		return nil
	}
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

// reset sizes the surface to r and clears every pixel to transparent.
func (s *Surface) reset(r image.Rectangle) {
	if s.img == nil || s.img.Bounds() != r {
		s.img = image.NewRGBA(r)
		return
	}
	clear(s.img.Pix)
}
