// Package bridge relays one live session between an inbound WebSocket (a
// browser client or a Twilio media stream) and the upstream realtime API.
//
// Each session owns a single goroutine that touches its state. Socket readers,
// the upstream event pump, the connect attempt and timers only post inputs to
// that goroutine; frames to the inbound socket leave through one writer.
package bridge

import (
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// Close codes sent to the inbound socket.
const (
	CloseUnauthorized        = 4401
	CloseUpstreamUnavailable = 4502
	ClosePendingOverflow     = 4509
)

// Close reasons, also used as metric labels.
const (
	ReasonVoicemailComplete = "voicemail_complete"
	ReasonCallTimeLimit     = "call_time_limit"
	ReasonSessionTimeLimit  = "session_time_limit"
	ReasonUpstreamFailed    = "upstream_unavailable"
	ReasonUpstreamClosed    = "upstream_closed"
	ReasonPeerClosed        = "peer_closed"
	ReasonCallerHangup      = "caller_hangup"
	ReasonShutdown          = "shutdown"
	ReasonPendingOverflow   = "pending_overflow"
)

const (
	ModeClient    = "client"
	ModeTelephony = "twilio"
)

// Conn is the inbound socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config tunes session timing and the conversation defaults.
type Config struct {
	Model        string        `mapstructure:"model"`
	Voice        string        `mapstructure:"voice"`
	Instructions string        `mapstructure:"instructions"`
	HardLimit    time.Duration `mapstructure:"hard_limit"`
	// SpuriousStopGrace ignores a stop that arrives this soon after accept,
	// before the greeting went out.
	SpuriousStopGrace time.Duration `mapstructure:"spurious_stop_grace"`
	DrainSettle       time.Duration `mapstructure:"drain_settle"`
	DrainFallback     time.Duration `mapstructure:"drain_fallback"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	// MaxPending caps messages held while the upstream is not ready. Going
	// past it ends the session instead of dropping any of them.
	MaxPending int     `mapstructure:"max_pending"`
	Prompts    Prompts `mapstructure:"prompts"`
}

func (c Config) withDefaults() Config {
	if c.HardLimit <= 0 {
		c.HardLimit = 10 * time.Minute
	}
	if c.SpuriousStopGrace <= 0 {
		c.SpuriousStopGrace = 3 * time.Second
	}
	if c.DrainSettle <= 0 {
		c.DrainSettle = 500 * time.Millisecond
	}
	if c.DrainFallback <= 0 {
		c.DrainFallback = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1500
	}
	if !ValidVoice(c.Voice) {
		c.Voice = DefaultVoice
	}
	c.Prompts = c.Prompts.withDefaults()
	return c
}

// Deps are shared across sessions.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// DefaultVoice is used when no valid voice was requested.
const DefaultVoice = "alloy"

var voices = map[string]struct{}{
	"alloy": {}, "ash": {}, "ballad": {}, "coral": {},
	"echo": {}, "sage": {}, "shimmer": {}, "verse": {},
}

// ValidVoice reports whether v is an accepted output voice.
func ValidVoice(v string) bool {
	_, ok := voices[v]
	return ok
}
