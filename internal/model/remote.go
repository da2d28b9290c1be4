package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/url"
	"sync"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
)

// RemoteConfig configures the websocket detection backend.
type RemoteConfig struct {
	URL         string
	DialTimeout time.Duration
	// ResponseTimeout bounds one frame/result exchange on the connection. A
	// server that misses it leaves the connection unusable.
	ResponseTimeout time.Duration
	JPEGQuality     int
}

// DefaultRemoteConfig returns defaults for the remote backend.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		URL:             "ws://127.0.0.1:8765/ws",
		DialTimeout:     10 * time.Second,
		ResponseTimeout: 30 * time.Second,
		JPEGQuality:     90,
	}
}

// remoteResult is one detection as sent by the detection server. Box is
// normalized [ymin, xmin, ymax, xmax].
type remoteResult struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// Remote forwards frames to a detection server over a single websocket.
// Requests are serialized on the connection. The connection is shared by
// every session, so a caller giving up only stops waiting: the exchange it
// started runs to completion and its reply is consumed before the next
// request is sent.
type Remote struct {
	cfg RemoteConfig

	// slot is held for the duration of one exchange.
	slot chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	broken error
}

type exchangeResult struct {
	message []byte
	err     error
}

// DialRemote connects to the detection server. This is the backend's one
// acquisition attempt.
func DialRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("remote URL must use ws or wss, got %q", u.Scheme)
	}

	dialer := *websocket.DefaultDialer
	if cfg.DialTimeout > 0 {
		dialer.HandshakeTimeout = cfg.DialTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detection server %s: %w", u.String(), err)
	}
	return &Remote{cfg: cfg, conn: conn, slot: make(chan struct{}, 1)}, nil
}

// Detect sends img as JPEG and waits for the matching result message.
func (r *Remote) Detect(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	var buf bytes.Buffer
	quality := r.cfg.JPEGQuality
	if quality <= 0 {
		quality = 90
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("JPEG encode error: %w", err)
	}

	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn, err := r.usable()
	if err != nil {
		<-r.slot
		return nil, err
	}

	done := make(chan exchangeResult, 1)
	go func() {
		defer func() { <-r.slot }()
		message, err := r.exchange(conn, buf.Bytes())
		done <- exchangeResult{message: message, err: err}
	}()

	var message []byte
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		message = res.message
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var results []remoteResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}
	b := img.Bounds()
	return convertRemote(results, b.Dx(), b.Dy()), nil
}

func (r *Remote) usable() (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, errors.New("remote detector is closed")
	}
	if r.broken != nil {
		return nil, fmt.Errorf("remote detector connection failed: %w", r.broken)
	}
	return r.conn, nil
}

// exchange writes one frame and reads its reply. Any failure marks the
// connection broken; gorilla/websocket does not recover from read errors.
func (r *Remote) exchange(conn *websocket.Conn, frame []byte) ([]byte, error) {
	timeout := r.cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteConfig().ResponseTimeout
	}
	deadline := time.Now().Add(timeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		r.markBroken(err)
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		r.markBroken(err)
		return nil, fmt.Errorf("failed to read detections: %w", err)
	}
	return message, nil
}

func (r *Remote) markBroken(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken == nil {
		r.broken = err
	}
}

// Close closes the connection. An exchange in flight fails and marks the
// connection broken.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}

func convertRemote(results []remoteResult, width, height int) []detection.Detection {
	out := make([]detection.Detection, 0, len(results))
	for _, res := range results {
		w, h := float64(width), float64(height)
		out = append(out, detection.Detection{
			Class: res.Label,
			Score: res.Confidence,
			Box:   detection.NewBoxFromCorners(res.Box[1]*w, res.Box[0]*h, res.Box[3]*w, res.Box[2]*h),
		})
	}
	return out
}
