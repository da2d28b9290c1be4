package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
	"github.com/MeKo-Tech/snapdetect/internal/testutil"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// startLoader starts a loader around open and tears it down with the test.
func startLoader(t *testing.T, open model.OpenFunc) *model.Loader {
	t.Helper()
	loader := model.NewLoader("fake", open)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { _ = loader.Close() })
	t.Cleanup(cancel)
	loader.Start(ctx)
	return loader
}

// readyModel opens immediately with m.
func readyModel(m model.Model) model.OpenFunc {
	return func(context.Context) (model.Model, error) { return m, nil }
}

// failingModel never becomes ready.
func failingModel(msg string) model.OpenFunc {
	return func(context.Context) (model.Model, error) { return nil, errors.New(msg) }
}

// stuckModel loads until the loader context ends.
func stuckModel() model.OpenFunc {
	return func(ctx context.Context) (model.Model, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func dogModel() *testutil.FakeModel {
	return &testutil.FakeModel{Detections: []detection.Detection{testutil.Dog()}}
}

func testConfig() Config {
	return Config{
		CORSOrigin:     "*",
		MaxUploadBytes: 8 * 1024 * 1024,
		TimeoutSec:     5,
		Version:        "test",
		Style:          overlay.DefaultStyle(),
	}
}

// newTestServer builds a server and mux around open.
func newTestServer(t *testing.T, open model.OpenFunc, mutate ...func(*Config)) (*Server, http.Handler) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg, startLoader(t, open))
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	return srv, mux
}

// newHTTPServer serves the routes on a real listener.
func newHTTPServer(t *testing.T, open model.OpenFunc, mutate ...func(*Config)) *httptest.Server {
	t.Helper()
	_, mux := newTestServer(t, open, mutate...)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func pngUpload(t *testing.T) []byte {
	t.Helper()
	return testutil.ImageBlob(t, testutil.MediumSize.Width, testutil.MediumSize.Height, imaging.PNG)
}
