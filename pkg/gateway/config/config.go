package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream model session.
	GeminiAPIKey        string
	GeminiModel         string
	Voice               string
	SystemPrompt        string
	InputMIMEType       string
	VADStartSens        string
	VADEndSens          string
	VADPrefixPadding    int
	VADSilenceMS        int
	UpstreamDialTimeout time.Duration

	// Live WebSocket limits.
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSReadTimeout       time.Duration
	LiveMaxSessionDuration  time.Duration
	LiveOutboundQueueSize   int

	// Tool-call dedup and loop recovery.
	DedupWindow      time.Duration
	MaxPendingAge    time.Duration
	ActionWindow     time.Duration
	LoopThreshold    int
	AudioCooldown    time.Duration
	OverlapThreshold float64

	// Optional transcript archive. Empty disables archiving.
	DatabaseURL string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOXNOTE_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VOXNOTE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]struct{}),
		CORSAllowedOrigins:      make(map[string]struct{}),
		GeminiAPIKey:            envOr("VOXNOTE_GEMINI_API_KEY", ""),
		GeminiModel:             envOr("VOXNOTE_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		Voice:                   envOr("VOXNOTE_VOICE", "Puck"),
		SystemPrompt:            envOr("VOXNOTE_SYSTEM_PROMPT", ""),
		InputMIMEType:           envOr("VOXNOTE_INPUT_MIME_TYPE", "audio/pcm;rate=16000"),
		VADStartSens:            envOr("VOXNOTE_VAD_START_SENSITIVITY", "high"),
		VADEndSens:              envOr("VOXNOTE_VAD_END_SENSITIVITY", "high"),
		VADPrefixPadding:        envIntOr("VOXNOTE_VAD_PREFIX_PADDING_MS", 300),
		VADSilenceMS:            envIntOr("VOXNOTE_VAD_SILENCE_MS", 800),
		UpstreamDialTimeout:     envDurationOr("VOXNOTE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		LiveMaxAudioFrameBytes:  envIntOr("VOXNOTE_LIVE_MAX_AUDIO_FRAME_BYTES", 65536),
		LiveMaxJSONMessageBytes: envInt64Or("VOXNOTE_LIVE_MAX_JSON_MESSAGE_BYTES", 256*1024),
		LiveWSPingInterval:      envDurationOr("VOXNOTE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VOXNOTE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:       envDurationOr("VOXNOTE_LIVE_WS_READ_TIMEOUT", 0),
		LiveMaxSessionDuration:  envDurationOr("VOXNOTE_LIVE_MAX_DURATION", 2*time.Hour),
		LiveOutboundQueueSize:   envIntOr("VOXNOTE_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		DedupWindow:             envDurationOr("VOXNOTE_DEDUP_WINDOW", 10*time.Second),
		MaxPendingAge:           envDurationOr("VOXNOTE_MAX_PENDING_AGE", 15*time.Second),
		ActionWindow:            envDurationOr("VOXNOTE_ACTION_WINDOW", 10*time.Second),
		LoopThreshold:           envIntOr("VOXNOTE_LOOP_THRESHOLD", 3),
		AudioCooldown:           envDurationOr("VOXNOTE_AUDIO_COOLDOWN", 1500*time.Millisecond),
		OverlapThreshold:        envFloat64Or("VOXNOTE_OVERLAP_THRESHOLD", 0.70),
		DatabaseURL:             envOr("VOXNOTE_DATABASE_URL", ""),
		ReadHeaderTimeout:       envDurationOr("VOXNOTE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOXNOTE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXNOTE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOXNOTE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VOXNOTE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXNOTE_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("VOXNOTE_GEMINI_MODEL must not be empty")
	}
	switch strings.ToLower(cfg.VADStartSens) {
	case "high", "low":
	default:
		return Config{}, fmt.Errorf("VOXNOTE_VAD_START_SENSITIVITY must be high|low")
	}
	switch strings.ToLower(cfg.VADEndSens) {
	case "high", "low":
	default:
		return Config{}, fmt.Errorf("VOXNOTE_VAD_END_SENSITIVITY must be high|low")
	}
	if cfg.VADPrefixPadding < 0 {
		return Config{}, fmt.Errorf("VOXNOTE_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceMS < 0 {
		return Config{}, fmt.Errorf("VOXNOTE_VAD_SILENCE_MS must be >= 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_DEDUP_WINDOW must be > 0")
	}
	if cfg.MaxPendingAge <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_MAX_PENDING_AGE must be > 0")
	}
	if cfg.MaxPendingAge < cfg.DedupWindow {
		return Config{}, fmt.Errorf("VOXNOTE_MAX_PENDING_AGE must be >= VOXNOTE_DEDUP_WINDOW")
	}
	if cfg.ActionWindow <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_ACTION_WINDOW must be > 0")
	}
	if cfg.LoopThreshold <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_LOOP_THRESHOLD must be > 0")
	}
	if cfg.AudioCooldown <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_AUDIO_COOLDOWN must be > 0")
	}
	if cfg.OverlapThreshold <= 0 || cfg.OverlapThreshold > 1 {
		return Config{}, fmt.Errorf("VOXNOTE_OVERLAP_THRESHOLD must be in (0, 1]")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXNOTE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOXNOTE_API_KEYS must be set when VOXNOTE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
