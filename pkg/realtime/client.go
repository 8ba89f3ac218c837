// Package realtime owns the outbound WebSocket to the conversational AI
// streaming API and the typed event vocabulary spoken over it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

// ErrNotConnected is returned by Send before Connect succeeds or after Disconnect.
var ErrNotConnected = errorsx.New(errorsx.ReasonUpstreamSend, "realtime: not connected")

// Upstream is the contract the session bridges depend on.
type Upstream interface {
	Connect(ctx context.Context, model string) error
	Send(ctx context.Context, evt ClientEvent) error
	// Events yields server events in arrival order and is closed when the
	// connection ends. Err then reports why (nil on a clean close).
	Events() <-chan ServerEvent
	Err() error
	IsConnected() bool
	Disconnect() error
}

type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Client is one upstream connection. It is not reusable after Disconnect.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	events    chan ServerEvent
	connected atomic.Bool
	closeOnce sync.Once
	quitOnce  sync.Once
	quit      chan struct{}

	errMu sync.Mutex
	err   error
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: logger,
		events: make(chan ServerEvent, 256),
		quit:   make(chan struct{}),
	}
}

// Factory builds a fresh client per session.
type Factory func() Upstream

// NewFactory returns a Factory sharing cfg and logger.
func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func() Upstream { return NewClient(cfg, logger) }
}

// Model returns the configured default model id.
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Connect(ctx context.Context, model string) error {
	c.writeMu.Lock()
	already := c.conn != nil
	c.writeMu.Unlock()
	if already {
		return errors.New("realtime: already connected")
	}
	if model == "" {
		model = c.cfg.Model
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		c.finish()
		return errorsx.Wrap(fmt.Errorf("realtime: base url: %w", err), errorsx.ReasonUpstreamConnect)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setErr(err)
		c.finish()
		return errorsx.Wrap(fmt.Errorf("realtime: dial: %w", err), errorsx.ReasonUpstreamConnect)
	}
	c.writeMu.Lock()
	select {
	case <-c.quit:
		c.writeMu.Unlock()
		_ = conn.Close()
		return errorsx.Wrap(errors.New("realtime: disconnected during connect"), errorsx.ReasonUpstreamConnect)
	default:
	}
	c.conn = conn
	c.connected.Store(true)
	c.writeMu.Unlock()
	go c.readLoop(conn)
	c.logger.Debug("realtime_connected", "model", model)
	return nil
}

func (c *Client) Send(ctx context.Context, evt ClientEvent) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := Encode(evt)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("realtime: encode %s: %w", evt.EventType(), err), errorsx.ReasonUpstreamSend)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("realtime: write %s: %w", evt.EventType(), err), errorsx.ReasonUpstreamSend)
	}
	return nil
}

func (c *Client) Events() <-chan ServerEvent { return c.events }

func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Disconnect closes the socket. Safe to call repeatedly and before Connect.
func (c *Client) Disconnect() error {
	c.connected.Store(false)
	c.quitOnce.Do(func() { close(c.quit) })

	c.writeMu.Lock()
	conn := c.conn
	if conn == nil {
		// Never connected: nobody else will close the event stream.
		c.finish()
		c.writeMu.Unlock()
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.finish()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.connected.Load() {
				c.setErr(errorsx.Wrap(err, errorsx.ReasonUpstreamClosed))
			}
			c.connected.Store(false)
			return
		}
		evt, err := DecodeServerEvent(data)
		if err != nil {
			c.logger.Warn("realtime_malformed_event",
				"reason_code", string(errorsx.ReasonMalformedMessage),
				"error", err.Error(),
			)
			continue
		}
		select {
		case c.events <- evt:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.events)
	})
}
