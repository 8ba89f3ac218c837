// Package authtoken issues and validates the short-lived encrypted tokens that
// gate every WebSocket upgrade. A token is an AES-GCM sealed JSON record bound to
// one context tag, so a token minted for the telephony endpoint is useless on the
// client endpoint and vice versa.
package authtoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context is the closed set of endpoints a token can be bound to.
type Context string

const (
	ContextTelephony Context = "telephony"
	ContextClient    Context = "client"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultClockSkew = 30 * time.Second
)

// Claims is the plaintext record sealed inside a token.
type Claims struct {
	IssuedAtMs  int64   `json:"iat"`
	ExpiresAtMs int64   `json:"exp"`
	Context     Context `json:"ctx"`
	Nonce       string  `json:"nonce"`
}

// Codec seals and opens tokens with one shared symmetric key. It holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	ttl  time.Duration
	skew time.Duration
	now  func() time.Time
}

type Option func(*Codec)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClockSkew sets how far in the future an issued-at stamp may be.
func WithClockSkew(skew time.Duration) Option {
	return func(c *Codec) {
		if skew >= 0 {
			c.skew = skew
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec builds a codec around a 16, 24 or 32 byte AES key.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("authtoken: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("authtoken: gcm: %w", err)
	}
	c := &Codec{
		aead: aead,
		ttl:  DefaultTTL,
		skew: DefaultClockSkew,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue mints a token for the given context.
func (c *Codec) Issue(ctx Context) (string, error) {
	if ctx == "" {
		return "", errors.New("authtoken: context required")
	}
	now := c.now().UnixMilli()
	claims := Claims{
		IssuedAtMs:  now,
		ExpiresAtMs: now + c.ttl.Milliseconds(),
		Context:     ctx,
		Nonce:       uuid.NewString(),
	}
	plain, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("authtoken: marshal: %w", err)
	}
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("authtoken: iv: %w", err)
	}
	sealed := c.aead.Seal(iv, iv, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Validate reports whether token is authentic, unexpired, not from the future
// and bound to expected. It never panics and never says why a token failed.
func (c *Codec) Validate(token string, expected Context) bool {
	claims, ok := c.open(token)
	if !ok {
		return false
	}
	now := c.now().UnixMilli()
	switch {
	case claims.ExpiresAtMs <= claims.IssuedAtMs:
		return false
	case now > claims.ExpiresAtMs:
		return false
	case claims.IssuedAtMs > now+c.skew.Milliseconds():
		return false
	case claims.Context != expected:
		return false
	}
	return true
}

func (c *Codec) open(token string) (claims Claims, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	token = strings.TrimRight(token, "=")
	if token == "" {
		return Claims{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, false
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return Claims{}, false
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return Claims{}, false
	}
	if err := json.Unmarshal(plain, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}

// ParseKey accepts a 64-char hex string, standard or URL-safe base64 (padded or
// not), or a raw 16/24/32 byte string.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("authtoken: empty key")
	}
	if len(s) == 64 {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && validKeyLen(len(b)) {
			return b, nil
		}
	}
	if validKeyLen(len(s)) {
		return []byte(s), nil
	}
	return nil, errors.New("authtoken: key must decode to 16, 24 or 32 bytes")
}

func validKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
