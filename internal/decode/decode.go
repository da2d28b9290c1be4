// Package decode turns uploaded blobs into decoded images with their natural dimensions.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Defaults applied by New.
const (
	DefaultMaxBytes  int64 = 50 * 1024 * 1024
	DefaultMaxPixels       = 50_000_000
)

// Error reports an upload that is not a decodable image.
type Error struct {
	Operation   string
	ContentType string
	Err         error
}

func (e *Error) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("decode error in %s (%s): %v", e.Operation, e.ContentType, e.Err)
	}
	return fmt.Sprintf("decode error in %s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *Error.
func IsDecodeError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// Image is a decoded upload. Width and Height always equal the pixel bounds
// of Pixels, after EXIF orientation has been applied.
type Image struct {
	Generation  detection.Generation
	Pixels      image.Image
	Width       int
	Height      int
	Format      string
	ContentType string
	// Blob is the original payload, kept for previews.
	Blob []byte
}

// Bounds returns the image rectangle anchored at the origin.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.Width, img.Height)
}

// Decoder decodes uploaded blobs.
type Decoder struct {
	maxBytes   int64
	maxPixels  int
	autoOrient bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxBytes rejects payloads larger than n bytes. n <= 0 disables the check.
func WithMaxBytes(n int64) Option { return func(d *Decoder) { d.maxBytes = n } }

// WithMaxPixels rejects images whose width*height exceeds n. n <= 0 disables the check.
func WithMaxPixels(n int) Option { return func(d *Decoder) { d.maxPixels = n } }

// WithAutoOrientation toggles applying the EXIF orientation tag.
func WithAutoOrientation(on bool) Option { return func(d *Decoder) { d.autoOrient = on } }

// New creates a decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		maxBytes:   DefaultMaxBytes,
		maxPixels:  DefaultMaxPixels,
		autoOrient: true,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode validates and decodes blob. Failures are returned as *Error.
func (d *Decoder) Decode(ctx context.Context, blob []byte) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, &Error{Operation: "validate", Err: errors.New("empty payload")}
	}
	if d.maxBytes > 0 && int64(len(blob)) > d.maxBytes {
		return nil, &Error{
			Operation: "validate",
			Err:       fmt.Errorf("payload of %d bytes exceeds limit of %d", len(blob), d.maxBytes),
		}
	}

	sniffed := http.DetectContentType(blob)
	if !strings.HasPrefix(sniffed, "image/") && sniffed != "application/octet-stream" {
		return nil, &Error{Operation: "validate", ContentType: sniffed, Err: errors.New("payload is not an image")}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return nil, &Error{Operation: "decode", ContentType: sniffed, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &Error{
			Operation: "decode",
			Err:       fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height),
		}
	}
	if d.maxPixels > 0 && cfg.Width*cfg.Height > d.maxPixels {
		return nil, &Error{
			Operation: "validate",
			Err:       fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, d.maxPixels),
		}
	}

	pixels, err := imaging.Decode(bytes.NewReader(blob), imaging.AutoOrientation(d.autoOrient))
	if err != nil {
		return nil, &Error{Operation: "decode", ContentType: sniffed, Err: err}
	}

	contentType := sniffed
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}

	b := pixels.Bounds()
	return &Image{
		Pixels:      pixels,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      format,
		ContentType: contentType,
		Blob:        blob,
	}, nil
}
