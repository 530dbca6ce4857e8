package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxnote-ai/voxnote/pkg/gateway/config"
	"github.com/voxnote-ai/voxnote/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		AuthMode string   `json:"auth_mode"`
		Draining bool     `json:"draining"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "upstream api key not configured")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 || h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live message limits must be > 0")
	}
	if h.Config.DedupWindow <= 0 || h.Config.MaxPendingAge <= 0 {
		issues = append(issues, "dedup windows must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		AuthMode: string(h.Config.AuthMode),
		Draining: draining,
		Issues:   issues,
	})
}
