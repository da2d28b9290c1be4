package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/config"
	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/inference"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	outputFormatText = "text"
	outputFormatJSON = "json"
)

// detectResult is the JSON output of the detect command.
type detectResult struct {
	File        string                `json:"file"`
	Width       int                   `json:"width"`
	Height      int                   `json:"height"`
	Detections  []detection.Detection `json:"detections"`
	Predictions []string              `json:"predictions"`
	Overlay     string                `json:"overlay,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
}

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Detect objects in an image file",
	Long: `Decode an image, wait for the detection model and print what it found.

Supported formats: JPEG, PNG, GIF, BMP, TIFF, WebP

Examples:
  snapdetect detect photo.jpg
  snapdetect detect photo.jpg --format json
  snapdetect detect photo.jpg --overlay boxes.png --min-score 0.6`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatText && format != outputFormatJSON {
			return fmt.Errorf("invalid output format: %s (must be one of: %s, %s)", format, outputFormatText, outputFormatJSON)
		}
		overlayPath, _ := cmd.Flags().GetString("overlay")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		path := args[0]
		blob, err := os.ReadFile(path) //nolint:gosec // G304: reading the user-supplied input image
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		start := time.Now()
		view, renderer, err := runDetection(ctx, cfg, path, blob)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		if overlayPath != "" {
			if err := saveOverlay(renderer, view, overlayPath); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if format == outputFormatJSON {
			res := detectResult{
				File:        path,
				Width:       view.Image.Width,
				Height:      view.Image.Height,
				Detections:  view.Detections.Items,
				Predictions: view.Predictions,
				Overlay:     overlayPath,
				DurationMs:  elapsed.Milliseconds(),
			}
			if res.Detections == nil {
				res.Detections = []detection.Detection{}
			}
			if res.Predictions == nil {
				res.Predictions = []string{}
			}
			bts, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			_, err = fmt.Fprintln(out, string(bts))
			return err
		}

		if len(view.Predictions) == 0 {
			_, err = fmt.Fprintf(out, "%s: no objects detected\n", path)
			return err
		}
		_, err = fmt.Fprintf(out, "%s:\n%s\n", path, strings.Join(view.Predictions, "\n"))
		return err
	},
}

// runDetection pushes one upload through a private coordinator and returns
// its settled view.
func runDetection(ctx context.Context, cfg *config.Config, path string, blob []byte) (pipeline.View, *overlay.Renderer, error) {
	style, err := cfg.ToOverlayStyle()
	if err != nil {
		return pipeline.View{}, nil, err
	}
	renderer, err := overlay.NewRenderer(style)
	if err != nil {
		return pipeline.View{}, nil, err
	}

	loader, err := newModelLoader(cfg)
	if err != nil {
		return pipeline.View{}, nil, fmt.Errorf("failed to configure model: %w", err)
	}
	loadCtx, stopLoad := context.WithCancel(ctx)
	defer func() {
		stopLoad()
		_ = loader.Close()
	}()
	loader.Start(loadCtx)

	coord, err := pipeline.New(ctx, pipeline.Deps{
		Decoder:  decode.New(cfg.ToDecoderOptions()...),
		Detector: inference.New(),
		Models:   loader,
		Renderer: renderer,
	}, pipeline.WithID(filepath.Base(path)))
	if err != nil {
		return pipeline.View{}, nil, err
	}
	defer coord.Close()

	g := coord.Upload(blob)
	view, err := coord.Await(ctx, g)
	switch {
	case decode.IsDecodeError(err):
		return view, nil, fmt.Errorf("failed to decode %s: %w", path, err)
	case errors.Is(err, context.DeadlineExceeded):
		return view, nil, fmt.Errorf("detection did not finish (state %s): %w", view.State, err)
	case err != nil:
		return view, nil, err
	case view.State == pipeline.DetectionUnavailable:
		return view, nil, fmt.Errorf("detection unavailable: %w", view.Err)
	case view.Err != nil:
		return view, nil, fmt.Errorf("detection failed for %s: %w", path, view.Err)
	}
	return view, renderer, nil
}

// saveOverlay writes the rendered overlay, composing it when nothing was
// detected. The format follows the file extension.
func saveOverlay(renderer *overlay.Renderer, view pipeline.View, path string) error {
	var img image.Image = view.Overlay
	if view.Overlay == nil {
		composed, err := renderer.Compose(view.Image, view.Detections)
		if err != nil {
			return fmt.Errorf("failed to render overlay: %w", err)
		}
		img = composed
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create overlay directory: %w", err)
		}
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save overlay: %w", err)
	}
	return nil
}

func addDetectFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", outputFormatText, "output format (text, json)")
	cmd.Flags().StringP("overlay", "o", "", "write the overlay image to this file (format from extension)")
	cmd.Flags().Duration("timeout", 2*time.Minute, "maximum time to wait for model loading and detection")
	cmd.Flags().String("backend", "onnx", "model backend (onnx, remote)")
	cmd.Flags().String("model", "", "override detection model path")
	cmd.Flags().String("variant", "standard", "model variant (standard, lite)")
	cmd.Flags().Float64("min-score", 0.5, "minimum detection score")
	cmd.Flags().Int("max-detections", 20, "maximum number of detections")
	cmd.Flags().String("remote-url", "", "model server WebSocket URL for the remote backend")
	cmd.Flags().Bool("gpu", false, "enable GPU acceleration using CUDA")
	cmd.Flags().Int("gpu-device", 0, "CUDA device ID to use")
}

func bindDetectFlags(cmd *cobra.Command) {
	flagBindings := []struct {
		key  string
		flag string
	}{
		{"model.backend", "backend"},
		{"model.model_path", "model"},
		{"model.variant", "variant"},
		{"model.min_score", "min-score"},
		{"model.max_detections", "max-detections"},
		{"model.remote.url", "remote-url"},
		{"gpu.enabled", "gpu"},
		{"gpu.device", "gpu-device"},
	}

	for _, binding := range flagBindings {
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", binding.flag, err))
		}
	}
}

func init() {
	rootCmd.AddCommand(detectCmd)

	addDetectFlags(detectCmd)
	bindDetectFlags(detectCmd)
}
