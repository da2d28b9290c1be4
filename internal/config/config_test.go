package config

import (
	"image/color"
	"testing"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/models"
)

const (
	infoLevel       = "info"
	debugLevel      = "debug"
	customModelsDir = "/custom/models"
)

// TestDefaultConfig verifies that DefaultConfig returns expected values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ModelsDir != models.DefaultModelsDir {
		t.Errorf("Expected models_dir %s, got %s", models.DefaultModelsDir, cfg.ModelsDir)
	}
	if cfg.LogLevel != infoLevel {
		t.Errorf("Expected log_level '%s', got %s", infoLevel, cfg.LogLevel)
	}
	if cfg.Verbose {
		t.Error("Expected verbose to be false")
	}

	if cfg.Model.Backend != model.BackendONNX {
		t.Errorf("Expected backend %s, got %s", model.BackendONNX, cfg.Model.Backend)
	}
	if cfg.Model.MinScore != 0.5 {
		t.Errorf("Expected min_score 0.5, got %f", cfg.Model.MinScore)
	}
	if cfg.Model.MaxDetections != 20 {
		t.Errorf("Expected max_detections 20, got %d", cfg.Model.MaxDetections)
	}

	if cfg.Decode.MaxUploadMB != 50 {
		t.Errorf("Expected max_upload_mb 50, got %d", cfg.Decode.MaxUploadMB)
	}
	if !cfg.Decode.AutoOrient {
		t.Error("Expected auto_orient to be enabled by default")
	}

	if cfg.Overlay.Color != "#FF0000" {
		t.Errorf("Expected overlay color #FF0000, got %s", cfg.Overlay.Color)
	}
	if cfg.Overlay.LineWidth != 4 || cfg.Overlay.FontSize != 24 {
		t.Errorf("Expected 4px lines and 24px labels, got %v and %v", cfg.Overlay.LineWidth, cfg.Overlay.FontSize)
	}

	if cfg.Server.Host != "localhost" {
		t.Errorf("Expected server host 'localhost', got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("Expected rate limiting to be disabled by default")
	}

	if cfg.GPU.UseGPU {
		t.Error("Expected GPU to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got %v", err)
	}
}

// TestValidate tests the validation table.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"debug level", func(c *Config) { c.LogLevel = debugLevel }, false},
		{"invalid log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"remote backend", func(c *Config) { c.Model.Backend = model.BackendRemote }, false},
		{"unknown backend", func(c *Config) { c.Model.Backend = "tflite" }, true},
		{"lite variant", func(c *Config) { c.Model.Variant = models.VariantLite }, false},
		{"unknown variant", func(c *Config) { c.Model.Variant = "huge" }, true},
		{"min score above one", func(c *Config) { c.Model.MinScore = 1.5 }, true},
		{"negative min score", func(c *Config) { c.Model.MinScore = -0.1 }, true},
		{"zero min score", func(c *Config) { c.Model.MinScore = 0 }, false},
		{"negative max detections", func(c *Config) { c.Model.MaxDetections = -1 }, true},
		{"negative max input size", func(c *Config) { c.Model.MaxInputSize = -1 }, true},
		{"remote without url", func(c *Config) {
			c.Model.Backend = model.BackendRemote
			c.Model.Remote.URL = ""
		}, true},
		{"remote jpeg quality out of range", func(c *Config) {
			c.Model.Backend = model.BackendRemote
			c.Model.Remote.JPEGQuality = 101
		}, true},
		{"zero upload size", func(c *Config) { c.Decode.MaxUploadMB = 0 }, true},
		{"negative max pixels", func(c *Config) { c.Decode.MaxPixels = -1 }, true},
		{"unlimited pixels", func(c *Config) { c.Decode.MaxPixels = 0 }, false},
		{"bad overlay color", func(c *Config) { c.Overlay.Color = "#zzz" }, true},
		{"zero line width", func(c *Config) { c.Overlay.LineWidth = 0 }, true},
		{"negative margin", func(c *Config) { c.Overlay.Margin = -1 }, true},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero timeout", func(c *Config) { c.Server.TimeoutSec = 0 }, true},
		{"negative shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = -1 }, true},
		{"gpu negative device", func(c *Config) {
			c.GPU.UseGPU = true
			c.GPU.DeviceID = -1
		}, true},
		{"gpu bad arena strategy", func(c *Config) {
			c.GPU.UseGPU = true
			c.GPU.ArenaExtendStrategy = "kSometimes"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestToSSDConfig tests conversion to the ONNX backend configuration.
func TestToSSDConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = customModelsDir
	cfg.Model.Variant = models.VariantLite
	cfg.Model.MinScore = 0.3
	cfg.Model.MaxDetections = 5
	cfg.Model.NumThreads = 2
	cfg.Model.LabelsPath = "/labels.txt"
	cfg.GPU.UseGPU = true

	ssd := cfg.ToSSDConfig()
	want := models.GetDetectorModelPath(customModelsDir, models.VariantLite)
	if ssd.ModelPath != want {
		t.Errorf("Expected model path %s, got %s", want, ssd.ModelPath)
	}
	if ssd.MinScore != 0.3 || ssd.MaxDetections != 5 || ssd.NumThreads != 2 {
		t.Errorf("Unexpected thresholds: %+v", ssd)
	}
	if ssd.LabelsPath != "/labels.txt" {
		t.Errorf("Expected labels path /labels.txt, got %s", ssd.LabelsPath)
	}
	if !ssd.GPU.UseGPU {
		t.Error("Expected GPU settings to carry over")
	}

	cfg.Model.ModelPath = "/explicit/model.onnx"
	if got := cfg.ToSSDConfig().ModelPath; got != "/explicit/model.onnx" {
		t.Errorf("Explicit model path should win, got %s", got)
	}
}

// TestToRemoteConfig tests conversion to the websocket backend configuration.
func TestToRemoteConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Remote = RemoteConfig{URL: "ws://detector:9000/ws", DialTimeoutSec: 3, ResponseTimeoutSec: 12, JPEGQuality: 70}

	remote := cfg.ToRemoteConfig()
	if remote.URL != "ws://detector:9000/ws" {
		t.Errorf("Expected URL ws://detector:9000/ws, got %s", remote.URL)
	}
	if remote.DialTimeout != 3*time.Second {
		t.Errorf("Expected 3s dial timeout, got %v", remote.DialTimeout)
	}
	if remote.ResponseTimeout != 12*time.Second {
		t.Errorf("Expected 12s response timeout, got %v", remote.ResponseTimeout)
	}
	if remote.JPEGQuality != 70 {
		t.Errorf("Expected quality 70, got %d", remote.JPEGQuality)
	}

	cfg.Model.Remote = RemoteConfig{}
	if got := cfg.ToRemoteConfig(); got != model.DefaultRemoteConfig() {
		t.Errorf("Empty remote settings should fall back to defaults, got %+v", got)
	}
}

// TestNewModelLoader tests that the loader is built for the configured backend.
func TestNewModelLoader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Backend = model.BackendRemote

	loader, err := cfg.NewModelLoader()
	if err != nil {
		t.Fatalf("NewModelLoader() unexpected error: %v", err)
	}
	if loader.Backend() != model.BackendRemote {
		t.Errorf("Expected backend %s, got %s", model.BackendRemote, loader.Backend())
	}
	if loader.Status().State != model.StateIdle {
		t.Errorf("Loader should not start until asked, got %s", loader.Status().State)
	}

	cfg.Model.Backend = "unknown"
	if _, err := cfg.NewModelLoader(); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

// TestToDecoderOptions tests that the limits reach the decoder.
func TestToDecoderOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decode.MaxUploadMB = 1

	d := decode.New(cfg.ToDecoderOptions()...)
	blob := make([]byte, 2*bytesPerMB)
	_, err := d.Decode(t.Context(), blob)
	if !decode.IsDecodeError(err) {
		t.Fatalf("Expected decode error for oversized upload, got %v", err)
	}
}

// TestToOverlayStyle tests conversion to a renderer style.
func TestToOverlayStyle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overlay.Color = "#00ff00"
	cfg.Overlay.LineWidth = 2

	style, err := cfg.ToOverlayStyle()
	if err != nil {
		t.Fatalf("ToOverlayStyle() unexpected error: %v", err)
	}
	if style.Color != (color.RGBA{G: 0xff, A: 0xff}) {
		t.Errorf("Expected green, got %v", style.Color)
	}
	if style.LineWidth != 2 {
		t.Errorf("Expected line width 2, got %v", style.LineWidth)
	}

	cfg.Overlay.Color = ""
	style, err = cfg.ToOverlayStyle()
	if err != nil {
		t.Fatalf("ToOverlayStyle() unexpected error: %v", err)
	}
	if style.Color != (color.RGBA{R: 0xff, A: 0xff}) {
		t.Errorf("Empty color should keep the default red, got %v", style.Color)
	}
}

// TestValidateThreshold tests threshold bounds.
func TestValidateThreshold(t *testing.T) {
	tests := []struct {
		value   float64
		wantErr bool
	}{
		{0.0, false},
		{0.5, false},
		{1.0, false},
		{-0.01, true},
		{1.01, true},
	}

	for _, tt := range tests {
		err := validateThreshold(tt.value, "test")
		if (err != nil) != tt.wantErr {
			t.Errorf("validateThreshold(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}
