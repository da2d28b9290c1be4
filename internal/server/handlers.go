package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/google/uuid"
)

const (
	formatJSON    = "json"
	formatText    = "text"
	formatOverlay = "overlay"
)

//go:embed static/index.html
var staticFiles embed.FS

// indexHandler serves the upload page.
func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Model:   s.models.Status().State,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode health response", "error", err)
	}
}

// modelsHandler returns the loader status and the known model files.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelInfos := models.ListAvailableModels()
	modelList := make([]ModelInfo, len(modelInfos))
	for i, info := range modelInfos {
		modelList[i] = ModelInfo{
			Name:        info.Name,
			Path:        models.ResolveModelPath(s.modelsDir, info.Type, info.Variant, info.Filename),
			Type:        info.Type,
			Variant:     info.Variant,
			Description: info.Description,
		}
	}

	status := s.models.Status()
	response := ModelsResponse{
		Backend:   status.Backend,
		Status:    status,
		Available: modelList,
		Count:     len(modelList),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode models response", "error", err)
	}
}

// detectHandler runs one upload through a private pipeline session and
// replies once it settles.
func (s *Server) detectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "":
		format = formatJSON
	case formatJSON, formatText, formatOverlay:
	default:
		s.writeErrorResponse(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}

	blob, status, err := s.readUpload(w, r)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), status)
		return
	}
	uploadSizeBytes.Observe(float64(len(blob)))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := uuid.NewString()
	coord, err := pipeline.New(ctx, s.pipelineDeps(), pipeline.WithID(id))
	if err != nil {
		s.writeErrorResponse(w, "pipeline unavailable", http.StatusInternalServerError)
		return
	}
	defer coord.Close()

	start := time.Now()
	g := coord.Upload(blob)
	view, err := coord.Await(ctx, g)
	elapsed := time.Since(start)

	switch {
	case decode.IsDecodeError(err):
		detectRequestsTotal.WithLabelValues("rejected").Inc()
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		detectRequestsTotal.WithLabelValues("unavailable").Inc()
		msg := "detection timed out"
		if view.State == pipeline.AwaitingModel {
			msg = model.ErrModelNotReady.Error()
		}
		s.writeErrorResponse(w, msg, http.StatusServiceUnavailable)
		return
	case view.State == pipeline.DetectionUnavailable:
		detectRequestsTotal.WithLabelValues("unavailable").Inc()
		s.writeErrorResponse(w, fmt.Sprintf("detection unavailable: %v", view.Err), http.StatusServiceUnavailable)
		return
	case view.Err != nil:
		detectRequestsTotal.WithLabelValues("error").Inc()
		s.writeErrorResponse(w, view.Err.Error(), http.StatusInternalServerError)
		return
	}
	detectRequestsTotal.WithLabelValues("ok").Inc()
	detectDuration.Observe(elapsed.Seconds())
	slog.Debug("detect request complete", "session", id, "detections", view.Detections.Len(), "duration", elapsed)

	switch format {
	case formatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		text := strings.Join(view.Predictions, "\n")
		if text != "" {
			text += "\n"
		}
		_, _ = io.WriteString(w, text)
	case formatOverlay:
		s.writeOverlay(w, view)
	default:
		response := DetectResponse{
			Success:     true,
			Generation:  g,
			Width:       view.Image.Width,
			Height:      view.Image.Height,
			Detections:  view.Detections.Items,
			Predictions: view.Predictions,
		}
		response.Processing.TotalMs = elapsed.Milliseconds()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			slog.Error("Failed to encode detect response", "error", err)
		}
	}
}

// writeOverlay writes the rendered overlay, or the plain composite when
// nothing was detected.
func (s *Server) writeOverlay(w http.ResponseWriter, view pipeline.View) {
	img := view.Overlay
	if img == nil {
		var err error
		img, err = s.renderer.Compose(view.Image, view.Detections)
		if err != nil {
			s.writeErrorResponse(w, "overlay failed", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "image/png")
	if err := encodePNG(w, img); err != nil {
		slog.Error("Failed to encode overlay", "error", err)
	}
}

// readUpload extracts the image from a multipart "image" field or a raw body.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024*1024)

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		blob, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, uploadErrorStatus(err), errors.New("failed to read request body")
		}
		return blob, http.StatusOK, nil
	}

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return nil, uploadErrorStatus(err), errors.New("failed to parse form data")
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("no image file provided")
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
	}
	blob, err := io.ReadAll(file)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image data")
	}
	return blob, http.StatusOK, nil
}

func uploadErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to write error response", "error", err)
	}
}
