package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/disintegration/imaging"
	"github.com/yalue/onnxruntime_go"
)

// SSD output tensor names, in the order they are requested from the session.
var ssdOutputs = []string{"detection_boxes", "detection_classes", "detection_scores", "num_detections"}

// SSDConfig configures the ONNX SSD backend.
type SSDConfig struct {
	ModelPath     string
	LabelsPath    string // empty uses the built-in COCO table
	LibraryPath   string // empty searches the usual locations
	MaxInputSize  int    // longest side fed to the network, 0 = native
	MinScore      float64
	MaxDetections int
	NumThreads    int
	GPU           onnx.GPUConfig
}

// DefaultSSDConfig mirrors the pretrained detector's stock output policy.
func DefaultSSDConfig() SSDConfig {
	return SSDConfig{
		ModelPath:     models.GetDetectorModelPath("", models.VariantStandard),
		MaxInputSize:  640,
		MinScore:      0.5,
		MaxDetections: 20,
		GPU:           onnx.DefaultGPUConfig(),
	}
}

// SSD runs an SSD-style COCO detector through ONNX Runtime.
type SSD struct {
	cfg        SSDConfig
	session    *onnxruntime_go.DynamicAdvancedSession
	inputName  string
	floatInput bool
	labels     detection.Labels
}

// OpenSSD loads the model and creates a session.
func OpenSSD(ctx context.Context, cfg SSDConfig) (*SSD, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("model path cannot be empty")
	}
	if err := models.ValidateModelExists(cfg.ModelPath); err != nil {
		return nil, err
	}

	labels := detection.COCOLabels()
	if cfg.LabelsPath != "" {
		l, err := detection.LoadLabels(cfg.LabelsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load labels: %w", err)
		}
		labels = l
	}

	if err := onnx.Initialize(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return nil, err
	}

	input, outputs, err := resolveSSDIO(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	opts, err := onnx.NewSessionOptions(cfg.NumThreads, cfg.GPU)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			slog.Warn("failed to destroy session options", "error", err)
		}
	}()

	session, err := onnxruntime_go.NewDynamicAdvancedSession(cfg.ModelPath, []string{input.Name}, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	slog.Debug("SSD session created", "model", cfg.ModelPath, "input", input.Name,
		"input_type", input.DataType.String(), "outputs", outputs)

	return &SSD{
		cfg:        cfg,
		session:    session,
		inputName:  input.Name,
		floatInput: input.DataType == onnxruntime_go.TensorElementDataTypeFloat,
		labels:     labels,
	}, nil
}

// resolveSSDIO validates the model signature and maps the canonical output
// names onto the names used by this export (some carry a ":0" suffix).
func resolveSSDIO(modelPath string) (onnxruntime_go.InputOutputInfo, []string, error) {
	inputs, outputs, err := onnxruntime_go.GetInputOutputInfo(modelPath)
	if err != nil {
		return onnxruntime_go.InputOutputInfo{}, nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 {
		return onnxruntime_go.InputOutputInfo{}, nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	input := inputs[0]
	if len(input.Dimensions) != 4 {
		return onnxruntime_go.InputOutputInfo{}, nil, fmt.Errorf("expected 4D input tensor, got %dD", len(input.Dimensions))
	}
	switch input.DataType {
	case onnxruntime_go.TensorElementDataTypeUint8, onnxruntime_go.TensorElementDataTypeFloat:
	default:
		return onnxruntime_go.InputOutputInfo{}, nil, fmt.Errorf("unsupported input type %s", input.DataType)
	}

	names := make([]string, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, o.Name)
	}
	resolved, err := matchOutputNames(names)
	if err != nil {
		return onnxruntime_go.InputOutputInfo{}, nil, err
	}
	return input, resolved, nil
}

func matchOutputNames(available []string) ([]string, error) {
	byBase := make(map[string]string, len(available))
	for _, name := range available {
		byBase[strings.TrimSuffix(name, ":0")] = name
	}
	out := make([]string, 0, len(ssdOutputs))
	for _, want := range ssdOutputs {
		name, ok := byBase[want]
		if !ok {
			return nil, fmt.Errorf("model has no %q output (outputs: %v)", want, available)
		}
		out = append(out, name)
	}
	return out, nil
}

// Detect runs the network over img. Inputs larger than MaxInputSize are
// downscaled first; boxes are always returned in img's pixel space.
func (s *SSD) Detect(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	in := img
	if limit := s.cfg.MaxInputSize; limit > 0 && (srcW > limit || srcH > limit) {
		in = imaging.Fit(img, limit, limit, imaging.Linear)
	}

	ten, err := onnx.NewNHWCTensor(in)
	if err != nil {
		return nil, fmt.Errorf("failed to build input tensor: %w", err)
	}

	var input onnxruntime_go.Value
	if s.floatInput {
		// MobileNet preprocessing: [0,255] -> [-1,1].
		f := onnx.ToFloat32(ten, 1.0/127.5, -1)
		input, err = onnxruntime_go.NewTensor(onnxruntime_go.NewShape(f.Shape...), f.Data)
	} else {
		input, err = onnxruntime_go.NewTensor(onnxruntime_go.NewShape(ten.Shape...), ten.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer destroyValue(input)

	outputs := make([]onnxruntime_go.Value, len(ssdOutputs))
	if err := s.session.Run([]onnxruntime_go.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	for _, o := range outputs {
		defer destroyValue(o)
	}

	raw := make([][]float32, len(outputs))
	for i, o := range outputs {
		if raw[i], err = floatData(o); err != nil {
			return nil, fmt.Errorf("output %s: %w", ssdOutputs[i], err)
		}
	}

	out := ssdResult{Boxes: raw[0], Classes: raw[1], Scores: raw[2], Num: raw[3]}
	return out.decode(srcW, srcH, s.labels, s.cfg.MinScore, s.cfg.MaxDetections), nil
}

// Close destroys the session.
func (s *SSD) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func destroyValue(v onnxruntime_go.Value) {
	if v == nil {
		return
	}
	if err := v.Destroy(); err != nil {
		slog.Warn("failed to destroy tensor", "error", err)
	}
}

func floatData(v onnxruntime_go.Value) ([]float32, error) {
	switch t := v.(type) {
	case *onnxruntime_go.Tensor[float32]:
		return t.GetData(), nil
	case *onnxruntime_go.Tensor[int64]:
		return convert(t.GetData()), nil
	case *onnxruntime_go.Tensor[int32]:
		return convert(t.GetData()), nil
	default:
		return nil, fmt.Errorf("unexpected tensor type %T", v)
	}
}

func convert[T int32 | int64](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// ssdResult holds the raw SSD outputs for one image. Boxes are normalized
// [ymin, xmin, ymax, xmax] quadruples.
type ssdResult struct {
	Boxes   []float32
	Classes []float32
	Scores  []float32
	Num     []float32
}

// decode applies the score floor and box cap and converts boxes to pixels.
// Output order follows the network's order.
func (r ssdResult) decode(width, height int, labels detection.Labels, minScore float64, maxDetections int) []detection.Detection {
	n := len(r.Scores)
	if len(r.Num) > 0 && int(r.Num[0]) < n {
		n = int(r.Num[0])
	}
	n = min(n, len(r.Classes), len(r.Boxes)/4)

	out := make([]detection.Detection, 0, n)
	for i := range n {
		if maxDetections > 0 && len(out) >= maxDetections {
			break
		}
		score := float64(r.Scores[i])
		if score < minScore {
			continue
		}
		ymin := clamp01(r.Boxes[4*i])
		xmin := clamp01(r.Boxes[4*i+1])
		ymax := clamp01(r.Boxes[4*i+2])
		xmax := clamp01(r.Boxes[4*i+3])

		out = append(out, detection.Detection{
			Class: labels.Name(int(r.Classes[i])),
			Score: score,
			Box: detection.NewBoxFromCorners(
				xmin*float64(width), ymin*float64(height),
				xmax*float64(width), ymax*float64(height),
			),
		})
	}
	return out
}

func clamp01(v float32) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return float64(v)
	}
}
