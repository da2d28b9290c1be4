package decode

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/snapdetect/internal/testutil"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Formats(t *testing.T) {
	tests := []struct {
		name        string
		format      imaging.Format
		wantFormat  string
		contentType string
	}{
		{"jpeg", imaging.JPEG, "jpeg", "image/jpeg"},
		{"png", imaging.PNG, "png", "image/png"},
		{"gif", imaging.GIF, "gif", "image/gif"},
		{"bmp", imaging.BMP, "bmp", "image/bmp"},
		{"tiff", imaging.TIFF, "tiff", "image/tiff"},
	}

	d := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := testutil.ImageBlob(t, 64, 48, tt.format)

			img, err := d.Decode(context.Background(), blob)
			require.NoError(t, err)

			assert.Equal(t, 64, img.Width)
			assert.Equal(t, 48, img.Height)
			assert.Equal(t, tt.wantFormat, img.Format)
			assert.Equal(t, tt.contentType, img.ContentType)
			assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
			assert.Equal(t, img.Width, img.Pixels.Bounds().Dx())
			assert.Equal(t, img.Height, img.Pixels.Bounds().Dy())
			assert.Equal(t, blob, img.Blob)
		})
	}
}

func TestDecode_PreservesPixels(t *testing.T) {
	src := testutil.CreateTestImage(10, 10, color.RGBA{R: 200, G: 10, B: 30, A: 255})
	blob := testutil.EncodeImage(t, src, imaging.PNG)

	img, err := New().Decode(context.Background(), blob)
	require.NoError(t, err)
	assert.True(t, testutil.CompareImages(src, img.Pixels, 0))
}

func TestDecode_Rejects(t *testing.T) {
	png := testutil.ImageBlob(t, 8, 8, imaging.PNG)

	tests := []struct {
		name string
		blob []byte
		opts []Option
		op   string
	}{
		{"empty", nil, nil, "validate"},
		{"text", []byte("hello, this is not an image at all"), nil, "validate"},
		{"html", []byte("<html><body>nope</body></html>"), nil, "validate"},
		{"truncated png", png[:len(png)/2], nil, "decode"},
		{"garbage bytes", []byte{0x00, 0x01, 0x02, 0x03, 0xff, 0xfe}, nil, "decode"},
		{"too many bytes", png, []Option{WithMaxBytes(4)}, "validate"},
		{"too many pixels", png, []Option{WithMaxPixels(10)}, "validate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := New(tt.opts...).Decode(context.Background(), tt.blob)
			require.Error(t, err)
			assert.Nil(t, img)
			assert.True(t, IsDecodeError(err))

			var de *Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.op, de.Operation)
			assert.Contains(t, err.Error(), "decode error in "+tt.op)
		})
	}
}

func TestDecode_LimitsDisabled(t *testing.T) {
	blob := testutil.ImageBlob(t, 40, 40, imaging.PNG)
	img, err := New(WithMaxBytes(0), WithMaxPixels(0)).Decode(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Width)
}

func TestDecode_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Decode(ctx, testutil.ImageBlob(t, 8, 8, imaging.PNG))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsDecodeError(err))
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Operation: "decode", ContentType: "image/png", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "decode error in decode (image/png): boom", err.Error())
	assert.Equal(t, "decode error in validate: boom", (&Error{Operation: "validate", Err: inner}).Error())
}
