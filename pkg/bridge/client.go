package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/realtime"
)

const timerHardLimit = "hard_limit"

// Client relays a browser session verbatim in both directions. Messages that
// arrive before the upstream is connected are queued and flushed in order.
type Client struct {
	id      string
	cfg     Config
	up      realtime.Upstream
	conn    Conn
	w       *socketWriter
	l       *loop
	logger  *slog.Logger
	metrics *metrics.Metrics

	state    State
	pending  []realtime.ClientEvent
	closed   bool
	closedBy string
}

func NewClient(conn Conn, up realtime.Upstream, cfg Config, deps Deps) *Client {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	logger := deps.logger().With("session_id", id, "mode", ModeClient)
	return &Client{
		id:      id,
		cfg:     cfg,
		up:      up,
		conn:    conn,
		w:       newSocketWriter(conn, cfg.WriteTimeout, logger),
		l:       newLoop(),
		logger:  logger,
		metrics: deps.Metrics,
		state:   StateAccepted,
	}
}

func (c *Client) ID() string { return c.id }

// Run blocks until the session is closed by either side, the hard limit or ctx.
func (c *Client) Run(ctx context.Context) {
	c.metrics.SessionOpened(ModeClient)
	c.logger.Info("client_session_accepted")
	go c.w.loop()
	go c.readInbound()

	c.l.after(timerHardLimit, c.cfg.HardLimit, c.onHardLimit)
	c.state = StateUpstreamConnecting
	go func() {
		err := c.up.Connect(ctx, c.cfg.Model)
		c.l.post(func() { c.onUpstreamConnected(err) })
	}()

	c.l.run(ctx, func() { c.shutdown(websocket.CloseGoingAway, ReasonShutdown) })
	<-c.w.finished
}

func (c *Client) readInbound() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.l.post(func() { c.shutdown(websocket.CloseNormalClosure, ReasonPeerClosed) })
			return
		}
		if !c.l.post(func() { c.onInbound(data) }) {
			return
		}
	}
}

func (c *Client) onInbound(data []byte) {
	if c.closed {
		return
	}
	evt, err := realtime.ParseClientEnvelope(data)
	if err != nil {
		c.logger.Warn("client_malformed_message",
			"reason_code", string(errorsx.ReasonMalformedMessage),
			"error", err.Error(),
		)
		return
	}
	c.metrics.Message("inbound", evt.Type)
	if c.state != StateActive {
		if len(c.pending) >= c.cfg.MaxPending {
			c.logger.Warn("client_pending_overflow", "pending", len(c.pending))
			c.shutdown(ClosePendingOverflow, ReasonPendingOverflow)
			return
		}
		c.pending = append(c.pending, evt)
		return
	}
	c.sendUpstream(evt)
}

func (c *Client) onUpstreamConnected(err error) {
	if c.closed {
		return
	}
	if err != nil {
		c.logger.Error("client_upstream_connect_failed",
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		c.metrics.UpstreamError(string(errorsx.ReasonUpstreamConnect))
		c.shutdown(CloseUpstreamUnavailable, ReasonUpstreamFailed)
		return
	}
	c.state = StateActive
	c.logger.Info("client_upstream_connected", "flushed", len(c.pending))
	pending := c.pending
	c.pending = nil
	for _, evt := range pending {
		if !c.sendUpstream(evt) {
			return
		}
	}
	go c.pumpUpstream()
}

func (c *Client) pumpUpstream() {
	for evt := range c.up.Events() {
		if !c.l.post(func() { c.onUpstreamEvent(evt) }) {
			return
		}
	}
	err := c.up.Err()
	c.l.post(func() {
		if err != nil {
			c.logger.Warn("client_upstream_lost", "error", err.Error())
			c.metrics.UpstreamError(string(errorsx.ReasonUpstreamClosed))
		}
		c.shutdown(websocket.CloseNormalClosure, ReasonUpstreamClosed)
	})
}

func (c *Client) onUpstreamEvent(evt realtime.ServerEvent) {
	if c.closed {
		return
	}
	c.metrics.Message("outbound", evt.EventType())
	c.w.send(evt.Raw())
}

func (c *Client) sendUpstream(evt realtime.ClientEvent) bool {
	if err := c.up.Send(context.Background(), evt); err != nil {
		c.logger.Warn("client_upstream_send_failed",
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		c.metrics.UpstreamError(string(errorsx.ReasonUpstreamSend))
		c.shutdown(websocket.CloseInternalServerErr, ReasonUpstreamClosed)
		return false
	}
	return true
}

func (c *Client) onHardLimit() {
	if c.closed {
		return
	}
	notice, _ := json.Marshal(map[string]any{
		"type":          "session.time_limit",
		"message":       "Session time limit reached.",
		"limit_seconds": int(c.cfg.HardLimit / time.Second),
	})
	c.w.send(notice)
	c.logger.Info("client_time_limit")
	c.shutdown(websocket.CloseNormalClosure, ReasonSessionTimeLimit)
}

// shutdown is terminal. Each step runs regardless of the others.
func (c *Client) shutdown(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closedBy = reason
	c.state = StateClosing
	c.l.stop()
	c.w.close(code, reason)
	if err := c.up.Disconnect(); err != nil {
		c.logger.Debug("client_upstream_disconnect", "error", err.Error())
	}
	c.state = StateClosed
	c.metrics.SessionClosed(ModeClient, reason)
	c.logger.Info("client_session_closed", "reason", reason)
}
