package onnx

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// Tensor is a row-major tensor prepared for ONNX input.
type Tensor[T uint8 | float32] struct {
	Data  []T
	Shape []int64
}

// NewNHWCTensor converts img to a [1, H, W, 3] RGB uint8 tensor, the input
// layout of TensorFlow-exported SSD detectors.
func NewNHWCTensor(img image.Image) (Tensor[uint8], error) {
	if img == nil {
		return Tensor[uint8]{}, errors.New("nil image")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Tensor[uint8]{}, fmt.Errorf("invalid image size %dx%d", w, h)
	}

	data := make([]uint8, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			data = append(data, c.R, c.G, c.B)
		}
	}
	return Tensor[uint8]{Data: data, Shape: []int64{1, int64(h), int64(w), 3}}, nil
}

// ToFloat32 rescales a uint8 tensor into float32 as v*scale+offset, for
// exports that take normalized float input.
func ToFloat32(t Tensor[uint8], scale, offset float32) Tensor[float32] {
	data := make([]float32, len(t.Data))
	for i, v := range t.Data {
		data[i] = float32(v)*scale + offset
	}
	shape := make([]int64, len(t.Shape))
	copy(shape, t.Shape)
	return Tensor[float32]{Data: data, Shape: shape}
}

// ValidateNHWC ensures a shape is [N, H, W, C] with positive dimensions.
func ValidateNHWC(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
	}
	return nil
}

// Verify checks that the data length matches the shape.
func Verify[T uint8 | float32](t Tensor[T]) error {
	if err := ValidateNHWC(t.Shape); err != nil {
		return err
	}
	expected := int(t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3])
	if len(t.Data) != expected {
		return fmt.Errorf("tensor data length %d != expected %d for shape %v", len(t.Data), expected, t.Shape)
	}
	return nil
}
