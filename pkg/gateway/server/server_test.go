package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxnote-ai/voxnote/pkg/gateway/config"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
)

type stubDialer struct{}

func (stubDialer) Dial(context.Context) (upstream.Channel, error) {
	return nil, context.Canceled
}

func testConfig() config.Config {
	return config.Config{
		Addr:                    ":0",
		AuthMode:                config.AuthModeDisabled,
		GeminiAPIKey:            "key-123",
		GeminiModel:             "gemini-2.0-flash-live-001",
		LiveMaxAudioFrameBytes:  65536,
		LiveMaxJSONMessageBytes: 256 * 1024,
		DedupWindow:             10 * time.Second,
		MaxPendingAge:           15 * time.Second,
		ReadHeaderTimeout:       10 * time.Second,
		ShutdownGracePeriod:     30 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(context.Background(), cfg, logger, stubDialer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServer_Readyz(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServer_AuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"sk-test": {}}
	s := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/live", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Health stays open without credentials.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}
