package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
)

const bytesPerMB = 1024 * 1024

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	ssd := model.DefaultSSDConfig()
	remote := model.DefaultRemoteConfig()
	style := overlay.DefaultStyle()

	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Verbose:   false,
		Model: ModelConfig{
			Backend:       model.BackendONNX,
			Variant:       models.VariantStandard,
			MaxInputSize:  ssd.MaxInputSize,
			MinScore:      ssd.MinScore,
			MaxDetections: ssd.MaxDetections,
			NumThreads:    ssd.NumThreads,
			Remote: RemoteConfig{
				URL:                remote.URL,
				DialTimeoutSec:     int(remote.DialTimeout / time.Second),
				ResponseTimeoutSec: int(remote.ResponseTimeout / time.Second),
				JPEGQuality:        remote.JPEGQuality,
			},
		},
		Decode: DecodeConfig{
			MaxUploadMB: int(decode.DefaultMaxBytes / bytesPerMB),
			MaxPixels:   decode.DefaultMaxPixels,
			AutoOrient:  true,
		},
		Overlay: OverlayConfig{
			Color:     "#FF0000",
			LineWidth: style.LineWidth,
			FontSize:  style.FontSize,
			Margin:    style.Margin,
			Offset:    style.Offset,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
				MaxRequestsPerDay: 5000,
				MaxDataPerDayMB:   1024,
			},
		},
		GPU: onnx.DefaultGPUConfig(),
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if err := c.validateModel(); err != nil {
		return err
	}

	if c.Decode.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Decode.MaxUploadMB)
	}
	if c.Decode.MaxPixels < 0 {
		return fmt.Errorf("invalid max pixels: %d (must not be negative)", c.Decode.MaxPixels)
	}

	if _, err := c.ToOverlayStyle(); err != nil {
		return fmt.Errorf("invalid overlay: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %d (must not be negative)", c.Server.ShutdownTimeout)
	}

	if err := onnx.ValidateGPUConfig(c.GPU); err != nil {
		return fmt.Errorf("invalid GPU config: %w", err)
	}

	return nil
}

func (c *Config) validateModel() error {
	validBackends := []string{model.BackendONNX, model.BackendRemote}
	if !slices.Contains(validBackends, c.Model.Backend) {
		return fmt.Errorf("invalid model backend: %s (must be one of: %s)",
			c.Model.Backend, strings.Join(validBackends, ", "))
	}
	validVariants := []string{models.VariantStandard, models.VariantLite}
	if !slices.Contains(validVariants, c.Model.Variant) {
		return fmt.Errorf("invalid model variant: %s (must be one of: %s)",
			c.Model.Variant, strings.Join(validVariants, ", "))
	}
	if err := validateThreshold(c.Model.MinScore, "model.min_score"); err != nil {
		return err
	}
	if c.Model.MaxDetections < 0 {
		return fmt.Errorf("invalid max detections: %d (must not be negative)", c.Model.MaxDetections)
	}
	if c.Model.MaxInputSize < 0 {
		return fmt.Errorf("invalid max input size: %d (must not be negative)", c.Model.MaxInputSize)
	}
	if c.Model.Backend == model.BackendRemote {
		if c.Model.Remote.URL == "" {
			return fmt.Errorf("model.remote.url is required for the %s backend", model.BackendRemote)
		}
		if q := c.Model.Remote.JPEGQuality; q < 1 || q > 100 {
			return fmt.Errorf("invalid jpeg quality: %d (must be between 1 and 100)", q)
		}
	}
	return nil
}

// ToSSDConfig converts the config to the ONNX backend configuration.
func (c *Config) ToSSDConfig() model.SSDConfig {
	cfg := model.DefaultSSDConfig()
	cfg.ModelPath = models.GetDetectorModelPath(c.ModelsDir, c.Model.Variant)
	if c.Model.ModelPath != "" {
		cfg.ModelPath = c.Model.ModelPath
	}
	cfg.LabelsPath = c.Model.LabelsPath
	cfg.LibraryPath = c.Model.LibraryPath
	cfg.MaxInputSize = c.Model.MaxInputSize
	cfg.MinScore = c.Model.MinScore
	cfg.MaxDetections = c.Model.MaxDetections
	cfg.NumThreads = c.Model.NumThreads
	cfg.GPU = c.GPU
	return cfg
}

// ToRemoteConfig converts the config to the websocket backend configuration.
func (c *Config) ToRemoteConfig() model.RemoteConfig {
	cfg := model.DefaultRemoteConfig()
	if c.Model.Remote.URL != "" {
		cfg.URL = c.Model.Remote.URL
	}
	if c.Model.Remote.DialTimeoutSec > 0 {
		cfg.DialTimeout = time.Duration(c.Model.Remote.DialTimeoutSec) * time.Second
	}
	if c.Model.Remote.ResponseTimeoutSec > 0 {
		cfg.ResponseTimeout = time.Duration(c.Model.Remote.ResponseTimeoutSec) * time.Second
	}
	if c.Model.Remote.JPEGQuality > 0 {
		cfg.JPEGQuality = c.Model.Remote.JPEGQuality
	}
	return cfg
}

// NewModelLoader builds an unstarted loader for the configured backend.
func (c *Config) NewModelLoader() (*model.Loader, error) {
	open, err := model.NewOpener(c.Model.Backend, c.ToSSDConfig(), c.ToRemoteConfig())
	if err != nil {
		return nil, err
	}
	return model.NewLoader(c.Model.Backend, open), nil
}

// ToDecoderOptions converts the decode limits to decoder options.
func (c *Config) ToDecoderOptions() []decode.Option {
	return []decode.Option{
		decode.WithMaxBytes(int64(c.Decode.MaxUploadMB) * bytesPerMB),
		decode.WithMaxPixels(c.Decode.MaxPixels),
		decode.WithAutoOrientation(c.Decode.AutoOrient),
	}
}

// ToOverlayStyle converts the overlay settings to a renderer style.
func (c *Config) ToOverlayStyle() (overlay.Style, error) {
	style := overlay.DefaultStyle()
	if c.Overlay.Color != "" {
		col, err := overlay.ParseHexColor(c.Overlay.Color)
		if err != nil {
			return overlay.Style{}, err
		}
		style.Color = col
	}
	style.LineWidth = c.Overlay.LineWidth
	style.FontSize = c.Overlay.FontSize
	style.Margin = c.Overlay.Margin
	style.Offset = c.Overlay.Offset
	if err := style.Validate(); err != nil {
		return overlay.Style{}, err
	}
	return style, nil
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}
