package server

import (
	"bytes"
	"encoding/json"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postDetect(t *testing.T, h http.Handler, query string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/detect"+query, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_HealthHandler(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, resp.Time)
	assert.Contains(t, []string{model.StateLoading, model.StateReady}, resp.Model)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodPost, "/models"},
		{http.MethodGet, "/detect"},
		{http.MethodPost, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestServer_ModelsHandler(t *testing.T) {
	srv, h := newTestServer(t, readyModel(dogModel()))
	<-srv.models.Done()

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ModelsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "fake", resp.Backend)
	assert.Equal(t, model.StateReady, resp.Status.State)
	assert.Equal(t, len(resp.Available), resp.Count)
	assert.Positive(t, resp.Count)
}

func TestServer_IndexHandler(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/ws")

	req = httptest.NewRequest(http.MethodGet, "/missing", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	// Touch a labelled metric so it is exported.
	postDetect(t, h, "", pngUpload(t))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "snapdetect_upload_size_bytes")
	assert.Contains(t, w.Body.String(), "snapdetect_detect_requests_total")
}

func TestServer_DetectJSON(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	w := postDetect(t, h, "", pngUpload(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DetectResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 640, resp.Width)
	assert.Equal(t, 480, resp.Height)
	require.Len(t, resp.Detections, 1)
	assert.Equal(t, testutil.Dog(), resp.Detections[0])
	assert.Equal(t, []string{"dog: 93%"}, resp.Predictions)
}

func TestServer_DetectMultipart(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "dog.png")
	require.NoError(t, err)
	_, err = part.Write(pngUpload(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect?format=text", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "dog: 93%\n", w.Body.String())
}

func TestServer_DetectMultipartMissingField(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_DetectText_Empty(t *testing.T) {
	_, h := newTestServer(t, readyModel(&testutil.FakeModel{}))

	w := postDetect(t, h, "?format=text", pngUpload(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestServer_DetectOverlay(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()))

	w := postDetect(t, h, "?format=overlay", pngUpload(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())
}

func TestServer_DetectOverlay_NoDetections(t *testing.T) {
	_, h := newTestServer(t, readyModel(&testutil.FakeModel{}))

	w := postDetect(t, h, "?format=overlay", pngUpload(t))
	require.Equal(t, http.StatusOK, w.Code)

	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestServer_DetectErrors(t *testing.T) {
	tests := []struct {
		name       string
		open       model.OpenFunc
		timeoutSec int
		query      string
		body       []byte
		sendImage  bool
		wantStatus int
		wantError  string
	}{
		{
			name:       "not an image",
			open:       readyModel(dogModel()),
			body:       []byte("definitely not an image"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			open:       readyModel(dogModel()),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported format",
			open:       readyModel(dogModel()),
			query:      "?format=xml",
			sendImage:  true,
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported format",
		},
		{
			name:       "model failed to load",
			open:       failingModel("weights missing"),
			sendImage:  true,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "weights missing",
		},
		{
			name:       "model still loading at timeout",
			open:       stuckModel(),
			timeoutSec: 1,
			sendImage:  true,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  model.ErrModelNotReady.Error(),
		},
		{
			name:       "inference failure",
			open:       readyModel(&testutil.FakeModel{Err: assert.AnError}),
			sendImage:  true,
			wantStatus: http.StatusInternalServerError,
			wantError:  assert.AnError.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, tt.open, func(c *Config) {
				if tt.timeoutSec > 0 {
					c.TimeoutSec = tt.timeoutSec
				}
			})

			body := tt.body
			if tt.sendImage {
				body = pngUpload(t)
			}
			w := postDetect(t, h, tt.query, body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			if tt.wantError != "" {
				assert.True(t, strings.Contains(resp.Error, tt.wantError), "error %q should contain %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestServer_DetectTooLarge(t *testing.T) {
	_, h := newTestServer(t, readyModel(dogModel()), func(c *Config) { c.MaxUploadBytes = 1024 })

	w := postDetect(t, h, "", pngUpload(t))
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, w.Code)
}

func TestNewServer_RequiresModelSource(t *testing.T) {
	_, err := NewServer(testConfig(), nil)
	assert.Error(t, err)
}

func TestNewServer_InvalidStyle(t *testing.T) {
	cfg := testConfig()
	cfg.Style.LineWidth = 0
	_, err := NewServer(cfg, startLoader(t, readyModel(dogModel())))
	assert.Error(t, err)
}
