package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types sent to the browser.
const (
	MessageState   = "state"
	MessagePreview = "preview"
	MessageResult  = "result"
	MessageError   = "error"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// SessionHeader carries the session id on the upgrade response.
const SessionHeader = "X-Session-Id"

// WebSocketMessage is one server-to-client update.
type WebSocketMessage struct {
	Type        string                `json:"type"`
	Generation  detection.Generation  `json:"generation,omitempty"`
	State       string                `json:"state,omitempty"`
	Width       int                   `json:"width,omitempty"`
	Height      int                   `json:"height,omitempty"`
	Preview     string                `json:"preview,omitempty"`
	Overlay     string                `json:"overlay,omitempty"`
	Predictions []string              `json:"predictions,omitempty"`
	Detections  []detection.Detection `json:"detections,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// detectWebSocketHandler runs one pipeline session per connection. Every
// binary message is an upload; state changes are pushed back as JSON.
func (s *Server) detectWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	conn, err := s.upgrader.Upgrade(w, r, http.Header{SessionHeader: {id}})
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	logger := slog.Default().With("session", id)
	logger.Info("WebSocket session started", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := pipeline.New(ctx, s.pipelineDeps(), pipeline.WithID(id), pipeline.WithLogger(slog.Default()))
	if err != nil {
		logger.Error("Failed to start pipeline", "error", err)
		return
	}
	defer coord.Close()

	views, unsubscribe := coord.Subscribe(8)
	defer unsubscribe()

	notices := make(chan WebSocketMessage, 4)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, views, notices, logger)
	}()

	s.readLoop(conn, coord, getClientIP(r), notices, logger)
	cancel()
	<-writerDone
	logger.Info("WebSocket session closed")
}

// readLoop feeds binary messages into the coordinator until the client
// goes away.
func (s *Server) readLoop(conn *websocket.Conn, coord *pipeline.Coordinator, client string,
	notices chan<- WebSocketMessage, logger *slog.Logger,
) {
	conn.SetReadLimit(s.maxUploadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	notify := func(msg string) {
		select {
		case notices <- WebSocketMessage{Type: MessageError, Error: msg}:
		default:
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType != websocket.BinaryMessage {
			notify("send images as binary messages")
			continue
		}
		if err := s.checkUpload(client, int64(len(data))); err != nil {
			notify(err.Error())
			continue
		}
		uploadSizeBytes.Observe(float64(len(data)))
		if g := coord.Upload(data); g != 0 {
			logger.Debug("upload queued", "generation", g, "bytes", len(data))
		}
	}
}

// writeLoop is the only writer of data frames on conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, views <-chan pipeline.View,
	notices <-chan WebSocketMessage, logger *slog.Logger,
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var t viewTracker
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg := <-notices:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.sendWebSocketMessage(conn, msg, logger)
		case v := <-views:
			for _, msg := range t.messages(v, logger) {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.sendWebSocketMessage(conn, msg, logger)
			}
		}
	}
}

// viewTracker turns a stream of views into the messages that describe what
// changed. Views may be skipped; each message reflects the latest view.
type viewTracker struct {
	generation detection.Generation
	state      pipeline.State
	preview    detection.Generation
	result     detection.Generation
	rejected   detection.Generation
	errKey     string
}

func (t *viewTracker) messages(v pipeline.View, logger *slog.Logger) []WebSocketMessage {
	var out []WebSocketMessage

	if v.Generation != t.generation || v.State != t.state {
		t.generation, t.state = v.Generation, v.State
		out = append(out, WebSocketMessage{Type: MessageState, Generation: v.Generation, State: v.State.String()})
	}

	if v.Rejected != 0 && v.Rejected != t.rejected {
		t.rejected = v.Rejected
		msg := WebSocketMessage{Type: MessageError, Generation: v.Rejected}
		if v.Err != nil {
			msg.Error = v.Err.Error()
		}
		out = append(out, msg)
	}

	shown := v.Displayed()
	if shown != 0 && shown != t.preview {
		t.preview = shown
		preview, err := imageDataURL(v.Image.Blob, v.Image.ContentType, v.Image.Pixels)
		if err != nil {
			logger.Error("Failed to encode preview", "generation", shown, "error", err)
		}
		out = append(out, WebSocketMessage{
			Type:       MessagePreview,
			Generation: shown,
			Width:      v.Image.Width,
			Height:     v.Image.Height,
			Preview:    preview,
		})
	}

	if shown != 0 && shown != t.result && (v.State == pipeline.Displayed || v.Overlay != nil) {
		t.result = shown
		msg := WebSocketMessage{
			Type:        MessageResult,
			Generation:  shown,
			Width:       v.Image.Width,
			Height:      v.Image.Height,
			Predictions: v.Predictions,
			Detections:  v.Detections.Items,
		}
		if v.Overlay != nil {
			overlay, err := pngDataURL(v.Overlay)
			if err != nil {
				logger.Error("Failed to encode overlay", "generation", shown, "error", err)
			}
			msg.Overlay = overlay
		}
		if v.Err != nil && v.Rejected != v.Generation {
			msg.Error = v.Err.Error()
		}
		out = append(out, msg)
	}

	if v.State == pipeline.DetectionUnavailable && v.Err != nil {
		if key := v.Err.Error(); key != t.errKey {
			t.errKey = key
			out = append(out, WebSocketMessage{
				Type:       MessageError,
				Generation: shown,
				State:      v.State.String(),
				Error:      key,
			})
		}
	}

	return out
}

// sendWebSocketMessage sends a message over WebSocket.
func (s *Server) sendWebSocketMessage(conn WebSocketConnWriter, msg WebSocketMessage, logger *slog.Logger) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal WebSocket message", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debug("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// imageDataURL returns the original upload as a data URL, re-encoding to
// PNG when the upload bytes are unavailable.
func imageDataURL(blob []byte, contentType string, img image.Image) (string, error) {
	if len(blob) > 0 && contentType != "" {
		return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(blob), nil
	}
	return pngDataURL(img)
}

func pngDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := encodePNG(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func encodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}
