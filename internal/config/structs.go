//nolint:lll
package config

import "github.com/MeKo-Tech/snapdetect/internal/onnx"

// Config represents the complete configuration for snapdetect.
// It includes settings for all commands (serve, detect) and supports loading
// from configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Detection model
	Model ModelConfig `mapstructure:"model" yaml:"model" json:"model"`

	// Upload decoding limits
	Decode DecodeConfig `mapstructure:"decode" yaml:"decode" json:"decode"`

	// Overlay drawing style
	Overlay OverlayConfig `mapstructure:"overlay" yaml:"overlay" json:"overlay"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// GPU configuration
	GPU onnx.GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
}

// ModelConfig selects and tunes the detection backend.
type ModelConfig struct {
	Backend       string  `mapstructure:"backend" yaml:"backend" json:"backend"`
	Variant       string  `mapstructure:"variant" yaml:"variant" json:"variant"`
	ModelPath     string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	LabelsPath    string  `mapstructure:"labels_path" yaml:"labels_path" json:"labels_path"`
	LibraryPath   string  `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	MaxInputSize  int     `mapstructure:"max_input_size" yaml:"max_input_size" json:"max_input_size"`
	MinScore      float64 `mapstructure:"min_score" yaml:"min_score" json:"min_score"`
	MaxDetections int     `mapstructure:"max_detections" yaml:"max_detections" json:"max_detections"`
	NumThreads    int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`

	// Remote websocket detector
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote" json:"remote"`
}

// RemoteConfig contains settings for the websocket detection backend.
type RemoteConfig struct {
	URL                string `mapstructure:"url" yaml:"url" json:"url"`
	DialTimeoutSec     int    `mapstructure:"dial_timeout_sec" yaml:"dial_timeout_sec" json:"dial_timeout_sec"`
	ResponseTimeoutSec int    `mapstructure:"response_timeout_sec" yaml:"response_timeout_sec" json:"response_timeout_sec"`
	JPEGQuality        int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// DecodeConfig limits what an upload may contain.
type DecodeConfig struct {
	MaxUploadMB int  `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	MaxPixels   int  `mapstructure:"max_pixels" yaml:"max_pixels" json:"max_pixels"`
	AutoOrient  bool `mapstructure:"auto_orient" yaml:"auto_orient" json:"auto_orient"`
}

// OverlayConfig contains box and label drawing settings.
type OverlayConfig struct {
	Color     string  `mapstructure:"color" yaml:"color" json:"color"`
	LineWidth float64 `mapstructure:"line_width" yaml:"line_width" json:"line_width"`
	FontSize  float64 `mapstructure:"font_size" yaml:"font_size" json:"font_size"`
	Margin    float64 `mapstructure:"margin" yaml:"margin" json:"margin"`
	Offset    float64 `mapstructure:"offset" yaml:"offset" json:"offset"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Upload rate limiting per client
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client upload limits.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int  `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int  `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}
