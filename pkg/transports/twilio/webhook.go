package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/redact"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	PublicURL  string `mapstructure:"public_url"`
	FromNumber string `mapstructure:"from_number"`
	VoicePath  string `mapstructure:"voice_path"`
	StreamPath string `mapstructure:"stream_path"`
}

func (c Config) withDefaults() Config {
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/ws"
	}
	return c
}

// TokenIssuer mints a telephony-context token for the stream URL.
type TokenIssuer func() (string, error)

// Webhooks serves the call-setup webhook and validates Twilio signatures.
type Webhooks struct {
	cfg    Config
	issue  TokenIssuer
	logger *slog.Logger
}

func NewWebhooks(cfg Config, issue TokenIssuer, logger *slog.Logger) *Webhooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhooks{cfg: cfg.withDefaults(), issue: issue, logger: logger}
}

// HandleVoice answers the call-setup webhook with TwiML that connects the call
// audio to the stream endpoint.
func (h *Webhooks) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.Authentic(r) {
		h.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()

	token, err := h.issue()
	if err != nil {
		h.logger.Error("twilio_token_issue_failed", "error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	params := make([]Param, 0, 3)
	if amd := strings.TrimSpace(r.FormValue("AnsweredBy")); amd != "" {
		params = append(params, Param{"amd", amd})
	}
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = r.FormValue("Direction")
	}
	if direction != "" {
		params = append(params, Param{"direction", string(NormalizeDirection(direction))})
	}
	if voice := strings.TrimSpace(r.URL.Query().Get("voice")); voice != "" {
		params = append(params, Param{"voice", voice})
	}

	h.logger.Info("twilio_call_setup",
		"call_sid", r.FormValue("CallSid"),
		"from", redact.Phone(r.FormValue("From")),
		"direction", direction,
		"answered_by", r.FormValue("AnsweredBy"),
	)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(StreamTwiML(h.streamURL(r, token), params...)))
}

func (h *Webhooks) streamURL(r *http.Request, token string) string {
	host := normalizePublicURL(h.cfg.PublicURL)
	if host == "" {
		host = r.Host
	}
	return "wss://" + host + strings.TrimRight(h.cfg.StreamPath, "/") + "/" + url.PathEscape(token) + "?mode=twilio"
}

// Param is one <Parameter> on the stream.
type Param struct {
	Name  string
	Value string
}

// StreamTwiML renders <Connect><Stream> with optional custom parameters.
func StreamTwiML(streamURL string, params ...Param) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	b.WriteString(xmlEscape(streamURL))
	if len(params) == 0 {
		b.WriteString(`"/></Connect></Response>`)
		return b.String()
	}
	b.WriteString(`">`)
	for _, p := range params {
		b.WriteString(`<Parameter name="`)
		b.WriteString(xmlEscape(p.Name))
		b.WriteString(`" value="`)
		b.WriteString(xmlEscape(p.Value))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

// Authentic reports whether r may be processed. Without an auth token every
// request passes.
func (h *Webhooks) Authentic(r *http.Request) bool {
	return h.cfg.AuthToken == "" || h.ValidateRequest(r)
}

// ValidateRequest checks X-Twilio-Signature against the configured auth token.
// The body is restored so handlers can still read the form.
func (h *Webhooks) ValidateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if h.cfg.AuthToken == "" {
		return false
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		_ = r.Body.Close()
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	validator := twilioclient.NewRequestValidator(h.cfg.AuthToken)
	return validator.ValidateBody(h.requestURL(r), body, signature)
}

func (h *Webhooks) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		base := strings.TrimRight(h.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
