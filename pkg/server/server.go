// Package server is the HTTP entry point: it classifies each request, applies
// origin checks, authentication and rate limits, and hands upgraded sockets to
// the session bridges.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/authtoken"
	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/ratelimit"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

// Rate limit policy names.
const (
	PolicyWSUpgrade  = "ws_upgrade"
	PolicyTokenIssue = "token_issue"
	PolicyWebhook    = "webhook"
)

type Policies struct {
	WSUpgrade  ratelimit.Policy `mapstructure:"ws_upgrade"`
	TokenIssue ratelimit.Policy `mapstructure:"token_issue"`
	Webhook    ratelimit.Policy `mapstructure:"webhook"`
}

type Config struct {
	Addr              string        `mapstructure:"addr"`
	StreamPath        string        `mapstructure:"stream_path"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	// TrustedProxies lists peers (CIDR or address) whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the TCP peer is the client.
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RateLimits        Policies      `mapstructure:"rate_limits"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/ws"
	}
	c.StreamPath = "/" + strings.Trim(c.StreamPath, "/")
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	return c
}

// Deps are the collaborators the server wires together. Messages is the
// external handler for inbound message webhooks; nil acknowledges with empty
// TwiML.
type Deps struct {
	Codec     *authtoken.Codec
	Limiter   *ratelimit.Limiter
	Upstreams realtime.Factory
	Webhooks  *twilio.Webhooks
	Messages  http.Handler
	Registry  *bridge.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg       Config
	bridgeCfg bridge.Config
	deps      Deps
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	router    chi.Router
	http      *http.Server
	trusted   []netip.Prefix

	// sessions run under ctx so Drain can end them together.
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	draining atomic.Bool
}

func New(cfg Config, bridgeCfg bridge.Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Messages == nil {
		deps.Messages = http.HandlerFunc(ackMessage)
	}
	if deps.Registry == nil {
		deps.Registry = bridge.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		bridgeCfg: bridgeCfg,
		deps:      deps,
		logger:    deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are checked before the upgrade, per mode.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		trusted: parseTrustedProxies(cfg.TrustedProxies, deps.Logger),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.realIP)
	r.Use(middleware.Recoverer)

	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	r.Get("/health", ok)
	r.Get("/healthz", ok)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	if s.deps.Webhooks != nil {
		r.Get("/voice", s.deps.Webhooks.HandleVoice)
		r.Post("/voice", s.deps.Webhooks.HandleVoice)
	}
	r.Post("/webhooks/messages", s.handleMessages)
	r.Get("/token", s.handleToken)
	r.Post("/token", s.handleToken)
	r.Post("/calls/{callSid}/instructions", s.handleInstructions)

	r.HandleFunc(s.cfg.StreamPath, s.handleStream)
	r.HandleFunc(s.cfg.StreamPath+"/{token}", s.handleStream)
	r.NotFound(s.handleFallback)
	r.MethodNotAllowed(s.handleFallback)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the live telephony sessions.
func (s *Server) Registry() *bridge.Registry { return s.deps.Registry }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		Handler:           s.router,
	}
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server_listen_error", "error", err.Error())
		}
	}()
	s.logger.Info("server_listening", "addr", s.cfg.Addr, "stream_path", s.cfg.StreamPath)
	return nil
}

// Drain refuses new sessions, ends the live ones and waits for them.
func (s *Server) Drain() error {
	s.draining.Store(true)
	if s.http != nil {
		s.http.SetKeepAlivesEnabled(false)
	}
	s.cancel()
	s.sessions.Wait()
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	s.cancel()
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

// ReadyFields reports the public webhook endpoints for the startup log.
func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"addr":        s.cfg.Addr,
		"stream_path": s.cfg.StreamPath,
		"ratelimit":   s.deps.Limiter.StoreName(),
	}
}

func ackMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}
