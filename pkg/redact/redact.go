package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
)

func init() {
	enabled.Store(true)
}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Phone masks all but the last four digits of a phone number.
func Phone(in string) string {
	in = strings.TrimSpace(in)
	if !enabled.Load() || in == "" {
		return in
	}
	if len(in) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(in)-4) + in[len(in)-4:]
}

// Token keeps a short prefix of a bearer value so log lines can be correlated
// without leaking the credential. Applied regardless of SetEnabled.
func Token(in string) string {
	if in == "" {
		return ""
	}
	if len(in) <= 8 {
		return "[REDACTED_TOKEN]"
	}
	return in[:6] + "…[REDACTED_TOKEN]"
}
