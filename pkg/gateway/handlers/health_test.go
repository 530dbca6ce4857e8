package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxnote-ai/voxnote/pkg/gateway/config"
	"github.com/voxnote-ai/voxnote/pkg/gateway/lifecycle"
)

func healthyConfig() config.Config {
	return config.Config{
		AuthMode:                config.AuthModeDisabled,
		GeminiAPIKey:            "key-123",
		LiveMaxAudioFrameBytes:  65536,
		LiveMaxJSONMessageBytes: 256 * 1024,
		DedupWindow:             10 * time.Second,
		MaxPendingAge:           15 * time.Second,
		ReadHeaderTimeout:       10 * time.Second,
		ShutdownGracePeriod:     30 * time.Second,
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyHandler_OK(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyHandler{Config: healthyConfig(), Lifecycle: &lifecycle.Lifecycle{}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Draining {
		t.Fatalf("unexpected readiness: %+v", resp)
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	rec := httptest.NewRecorder()
	ReadyHandler{Config: healthyConfig(), Lifecycle: lc}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestReadyHandler_MissingUpstreamKey(t *testing.T) {
	cfg := healthyConfig()
	cfg.GeminiAPIKey = ""
	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
