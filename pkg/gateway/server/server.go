// Package server assembles the gateway HTTP surface: health endpoints, the
// live websocket endpoint, and the middleware chain around them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxnote-ai/voxnote/pkg/gateway/config"
	"github.com/voxnote-ai/voxnote/pkg/gateway/handlers"
	"github.com/voxnote-ai/voxnote/pkg/gateway/lifecycle"
	"github.com/voxnote-ai/voxnote/pkg/gateway/live/session"
	"github.com/voxnote-ai/voxnote/pkg/gateway/live/sessions"
	"github.com/voxnote-ai/voxnote/pkg/gateway/mw"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
	"github.com/voxnote-ai/voxnote/pkg/store"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	dialer    upstream.Dialer
	store     *store.Store
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	mux       *http.ServeMux
}

// New builds a fully wired server. The upstream dialer is created from the
// config; pass a non-nil dialer to override it (tests do).
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, dialer upstream.Dialer) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dialer == nil {
		prompt := cfg.SystemPrompt
		if strings.TrimSpace(prompt) == "" {
			prompt = session.DefaultSystemPrompt
		}
		d, err := upstream.NewGeminiDialer(ctx, upstream.GeminiConfig{
			APIKey:        cfg.GeminiAPIKey,
			Model:         cfg.GeminiModel,
			SystemPrompt:  prompt,
			Voice:         cfg.Voice,
			InputMIMEType: cfg.InputMIMEType,
			Tools:         session.AssistantTools(),
			VAD: upstream.VADConfig{
				StartSensitivity:  cfg.VADStartSens,
				EndSensitivity:    cfg.VADEndSens,
				PrefixPaddingMS:   cfg.VADPrefixPadding,
				SilenceDurationMS: cfg.VADSilenceMS,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create upstream dialer: %w", err)
		}
		dialer = d
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		dialer:    dialer,
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		st, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
		s.store = st
	}

	s.mux = s.routes()
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.HealthHandler{})
	mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Dialer:       s.dialer,
		Store:        s.turnStore(),
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.sessions,
	})
	mux.Handle("/", handlers.NotFoundHandler{})
	return mux
}

// turnStore returns a nil interface when no archive is configured, so the
// session layer can do a plain nil check.
func (s *Server) turnStore() session.TurnStore {
	if s.store == nil {
		return nil
	}
	return s.store
}

// Handler wraps the mux in the middleware chain. RequestID runs outermost so
// every later stage, access logging included, sees the ID.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

func (s *Server) Sessions() *sessions.Tracker { return s.sessions }

// SetDraining flips readiness and makes the live handler refuse new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells active sessions shutdown is imminent.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.sessions.NotifyAll("gateway is shutting down soon")
}

// WaitLiveSessions blocks until active sessions finish or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}

// Close releases resources that outlive requests. Active live sessions are
// drained by the caller through the tracker before Close.
func (s *Server) Close() {
	if s.store != nil {
		s.store.Close()
	}
}
