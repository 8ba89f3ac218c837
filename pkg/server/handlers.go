package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/authtoken"
	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/ratelimit"
	"github.com/harunnryd/callbridge/pkg/redact"
)

// isTelephony classifies an upgrade as a Twilio media stream.
func isTelephony(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("mode"), "twilio") {
		return true
	}
	if r.Header.Get("X-Twilio-Signature") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.UserAgent()), "twilio")
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleStream(w, r)
		return
	}
	w.Header().Set("Upgrade", "websocket")
	http.Error(w, "upgrade required", http.StatusUpgradeRequired)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !s.admit(w, r, PolicyWSUpgrade, clientIP(r), s.cfg.RateLimits.WSUpgrade) {
		return
	}
	token := authtoken.FromRequest(r, s.cfg.StreamPath)
	if isTelephony(r) {
		s.serveTelephony(w, r, token)
		return
	}
	s.serveClient(w, r, token)
}

func (s *Server) serveTelephony(w http.ResponseWriter, r *http.Request, token string) {
	valid := s.deps.Codec.Validate(token, authtoken.ContextTelephony)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("telephony_upgrade_failed", "error", err.Error())
		return
	}
	if !valid {
		// Twilio only surfaces failures that happen on an open stream.
		s.deps.Metrics.AuthRejected(string(authtoken.ContextTelephony))
		s.logger.Warn("telephony_auth_rejected",
			"reason_code", string(errorsx.ReasonAuthRejected),
			"token", redact.Token(token),
		)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(bridge.CloseUnauthorized, "unauthorized"),
			deadline())
		_ = conn.Close()
		return
	}
	q := r.URL.Query()
	params := bridge.CallParams{
		AMD:       q.Get("amd"),
		Direction: q.Get("direction"),
		Voice:     q.Get("voice"),
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	tel := bridge.NewTelephony(conn, s.deps.Upstreams(), s.bridgeCfg,
		bridge.Deps{Logger: s.logger, Metrics: s.deps.Metrics}, params, s.deps.Registry)
	tel.Run(s.ctx)
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request, token string) {
	if !s.checkOrigin(r) {
		s.logger.Warn("client_origin_rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !s.deps.Codec.Validate(token, authtoken.ContextClient) {
		s.deps.Metrics.AuthRejected(string(authtoken.ContextClient))
		s.logger.Warn("client_auth_rejected",
			"reason_code", string(errorsx.ReasonAuthRejected),
			"token", redact.Token(token),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client_upgrade_failed", "error", err.Error())
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	cl := bridge.NewClient(conn, s.deps.Upstreams(), s.bridgeCfg,
		bridge.Deps{Logger: s.logger, Metrics: s.deps.Metrics})
	cl.Run(s.ctx)
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !s.admit(w, r, PolicyTokenIssue, clientIP(r), s.cfg.RateLimits.TokenIssue) {
		return
	}
	token, err := s.deps.Codec.Issue(authtoken.ContextClient)
	if err != nil {
		s.logger.Error("token_issue_failed", "error", err.Error())
		http.Error(w, "token unavailable", http.StatusInternalServerError)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(s.deps.Codec.TTL().Seconds()),
	})
}

type instructionsRequest struct {
	Instructions string `json:"instructions"`
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Codec.Validate(authtoken.BearerFromHeader(r), authtoken.ContextTelephony) {
		s.deps.Metrics.AuthRejected(string(authtoken.ContextTelephony))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req instructionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Instructions = strings.TrimSpace(req.Instructions)
	if req.Instructions == "" {
		http.Error(w, "instructions required", http.StatusBadRequest)
		return
	}
	callSID := chi.URLParam(r, "callSid")
	err := s.deps.Registry.UpdateInstructions(callSID, req.Instructions)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, bridge.ErrCallNotFound), errors.Is(err, bridge.ErrSessionClosed):
		http.Error(w, "call not found", http.StatusNotFound)
	default:
		s.logger.Warn("instructions_update_failed", "call_sid", callSID, "error", err.Error())
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks != nil && !s.deps.Webhooks.Authentic(r) {
		s.logger.Warn("message_webhook_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	if !s.admit(w, r, PolicyWebhook, conversationKey(r), s.cfg.RateLimits.Webhook) {
		return
	}
	s.deps.Messages.ServeHTTP(w, r)
}

// conversationKey groups message webhooks by thread, falling back to sender.
func conversationKey(r *http.Request) string {
	for _, k := range []string{"ConversationSid", "From"} {
		if v := strings.TrimSpace(r.FormValue(k)); v != "" {
			return v
		}
	}
	return clientIP(r)
}

// admit applies a rate limit and writes the 429 itself on rejection.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, name, key string, p ratelimit.Policy) bool {
	d := s.deps.Limiter.Consume(r.Context(), name, key, p)
	if d.Allowed {
		return true
	}
	s.logger.Warn("rate_limited",
		"policy", name,
		"reason_code", string(errorsx.ReasonRateLimited),
		"retry_after_ms", d.RetryAfter.Milliseconds(),
	)
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	http.Error(w, "rate limited", http.StatusTooManyRequests)
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
