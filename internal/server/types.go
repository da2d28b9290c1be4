package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/inference"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ModelSource is the shared model handle as the server sees it.
type ModelSource interface {
	pipeline.ModelSource
	Status() model.Status
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	models     ModelSource
	decoder    *decode.Decoder
	dispatcher *inference.Dispatcher
	renderer   *overlay.Renderer

	corsOrigin     string
	maxUploadBytes int64
	timeout        time.Duration
	modelsDir      string
	version        string

	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
}

// Config holds server configuration.
type Config struct {
	CORSOrigin string
	// MaxUploadBytes bounds a single upload body or websocket message.
	MaxUploadBytes   int64
	TimeoutSec       int
	InferenceTimeout time.Duration
	ModelsDir        string
	Version          string
	DecoderOptions   []decode.Option
	Style            overlay.Style
	RateLimit        RateLimitConfig
}

// RateLimitConfig holds per-client upload limits.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64
}

// Response types for API endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Model   string `json:"model"`
	Time    string `json:"time"`
}

type ModelInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Variant     string `json:"variant,omitempty"`
	Description string `json:"description"`
}

type ModelsResponse struct {
	Backend   string       `json:"backend"`
	Status    model.Status `json:"status"`
	Available []ModelInfo  `json:"available"`
	Count     int          `json:"count"`
}

// DetectResponse is the JSON body of a one-shot detection.
type DetectResponse struct {
	Success     bool                  `json:"success"`
	Generation  detection.Generation  `json:"generation"`
	Width       int                   `json:"width"`
	Height      int                   `json:"height"`
	Detections  []detection.Detection `json:"detections"`
	Predictions []string              `json:"predictions"`
	Error       string                `json:"error,omitempty"`
	Processing  struct {
		TotalMs int64 `json:"total_ms"`
	} `json:"processing"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewServer creates a server around a shared model source. The source is
// started by the caller.
func NewServer(config Config, models ModelSource) (*Server, error) {
	if models == nil {
		return nil, errors.New("server: model source is required")
	}
	renderer, err := overlay.NewRenderer(config.Style)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(config.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxUpload := config.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = decode.DefaultMaxBytes
	}
	decoderOpts := append([]decode.Option{decode.WithMaxBytes(maxUpload)}, config.DecoderOptions...)

	s := &Server{
		models:         models,
		decoder:        decode.New(decoderOpts...),
		dispatcher:     inference.New(inference.WithTimeout(config.InferenceTimeout)),
		renderer:       renderer,
		corsOrigin:     config.CORSOrigin,
		maxUploadBytes: maxUpload,
		timeout:        timeout,
		modelsDir:      config.ModelsDir,
		version:        config.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if rl := config.RateLimit; rl.Enabled {
		s.rateLimiter = NewRateLimiter(rl.RequestsPerMinute, rl.RequestsPerHour, rl.MaxRequestsPerDay, rl.MaxDataPerDay)
	}
	return s, nil
}

// pipelineDeps wires the server's stages into a coordinator.
func (s *Server) pipelineDeps() pipeline.Deps {
	return pipeline.Deps{
		Decoder:  s.decoder,
		Detector: s.dispatcher,
		Models:   s.models,
		Renderer: s.renderer,
	}
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.indexHandler)
	mux.HandleFunc("/ws", s.detectWebSocketHandler)
	mux.HandleFunc("/detect", s.corsMiddleware(s.rateLimitMiddleware(s.detectHandler)))
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/models", s.corsMiddleware(s.modelsHandler))
	mux.Handle("/metrics", promhttp.Handler())
}
