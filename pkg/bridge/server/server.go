// Package server accepts client WebSocket connections and turns each
// one into a bridge session.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vango-go/voicebridge/pkg/audio"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
	"github.com/vango-go/voicebridge/pkg/bridge/mw"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/sessions"
	"github.com/vango-go/voicebridge/pkg/bridge/ultravox"
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	mux      *http.ServeMux
	registry *sessions.Registry
	upgrader websocket.Upgrader

	// newDialer builds the agent leg for one session. Overridable in
	// tests; the default speaks to the configured Ultravox API.
	newDialer func() session.UpstreamDialer
}

type Option func(*Server)

// WithDialerFactory replaces the upstream dialer constructor.
func WithDialerFactory(factory func() session.UpstreamDialer) Option {
	return func(s *Server) { s.newDialer = factory }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		registry: sessions.NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.newDialer = func() session.UpstreamDialer {
		return ultravox.NewClient(ultravox.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.UltravoxBaseURL,
			Model:       cfg.Model,
			Voice:       cfg.Voice,
			CallTimeout: cfg.CallTimeout,
			DialTimeout: cfg.DialTimeout,
		})
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.AccessLog(s.logger, h)
	h = mw.Recover(s.logger, h)
	return h
}

// ActiveSessions is the number of sessions currently registered.
func (s *Server) ActiveSessions() int {
	return s.registry.Len()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error; no session exists.
		s.logger.Warn("upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	contextPrompt := strings.TrimSpace(r.URL.Query().Get("context"))
	if contextPrompt == "" {
		contextPrompt = config.DefaultSystemPrompt
	}
	if raw := r.URL.Query().Get("sampleRate"); raw != "" {
		// The wire contract is fixed at 8 kHz PCMU; the parameter is
		// accepted for compatibility and ignored.
		if rate, err := strconv.Atoi(raw); err != nil || rate != audio.NarrowbandRate {
			s.logger.Debug("ignoring sampleRate parameter", "sampleRate", raw)
		}
	}

	id := uuid.NewString()
	logger := s.logger.With("session_id", id)

	sess := session.New(session.Options{
		ID:      id,
		Context: contextPrompt,
		Client:  conn,
		Dialer:  s.newDialer(),
		Config: session.Config{
			PingInterval: s.cfg.PingInterval,
			WriteTimeout: s.cfg.WriteTimeout,
		},
		Logger:  logger,
		OnClose: func(closed *session.Session) { s.registry.Remove(closed) },
	})
	s.registry.Add(sess)
	logger.Info("client connected", "remote", r.RemoteAddr, "context_bytes", len(contextPrompt))

	if err := sess.Start(r.Context()); err != nil {
		// The session already reported the failure to the client and
		// removed itself from the registry.
		logger.Warn("session start failed", "err", err)
		return
	}

	<-sess.Done()
}

// RunStatsReporter logs aggregate stats every interval while any
// session is active. It returns when ctx is canceled.
func (s *Server) RunStatsReporter(ctx context.Context) {
	interval := s.cfg.StatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.registry.Len() > 0 {
				s.logStats()
			}
		}
	}
}

// Shutdown closes every active session and logs final stats.
func (s *Server) Shutdown(reason string) {
	closed := s.registry.CloseAll(reason)
	if closed > 0 {
		s.logger.Info("closed active sessions", "count", closed)
	}
	s.logStats()
}

func (s *Server) logStats() {
	agg := s.registry.Aggregate()
	s.logger.Info("bridge stats",
		"active_sessions", agg.Active,
		"total_sessions", agg.Total,
		"bytes_from_client", agg.BytesFromClient,
		"bytes_to_client", agg.BytesToClient,
		"conversions", agg.Conversions,
	)
}
