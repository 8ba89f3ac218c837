package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/realtime"
)

const waitTimeout = 2 * time.Second

// fakeConn stands in for the inbound websocket.
type fakeConn struct {
	in chan []byte

	mu          sync.Mutex
	out         [][]byte
	closeCode   int
	closeReason string
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("peer closed")
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) >= 2 {
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.closeReason = string(data[2:])
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal inbound: %v", err)
		}
	}
	c.in <- data
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.out...)
}

// waitFrames blocks until at least n frames satisfy pred.
func (c *fakeConn) waitFrames(t *testing.T, n int, pred func(map[string]any) bool) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		var matched []map[string]any
		for _, f := range c.frames() {
			var m map[string]any
			if json.Unmarshal(f, &m) == nil && pred(m) {
				matched = append(matched, m)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(matched))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *fakeConn) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("inbound socket not closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func frameEvent(name string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["event"] == name }
}

// fakeUpstream is a controllable realtime.Upstream.
type fakeUpstream struct {
	gate chan error

	mu     sync.Mutex
	sent   []realtime.ClientEvent
	events chan realtime.ServerEvent
	ended  bool

	connected   atomic.Bool
	disconnects atomic.Int32
	model       atomic.Value
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		gate:   make(chan error, 1),
		events: make(chan realtime.ServerEvent, 64),
	}
}

func (u *fakeUpstream) Connect(ctx context.Context, model string) error {
	u.model.Store(model)
	select {
	case err := <-u.gate:
		if err == nil {
			u.connected.Store(true)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *fakeUpstream) Send(_ context.Context, evt realtime.ClientEvent) error {
	if !u.connected.Load() {
		return realtime.ErrNotConnected
	}
	u.mu.Lock()
	u.sent = append(u.sent, evt)
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) Events() <-chan realtime.ServerEvent { return u.events }
func (u *fakeUpstream) Err() error                          { return nil }
func (u *fakeUpstream) IsConnected() bool                   { return u.connected.Load() }

func (u *fakeUpstream) Disconnect() error {
	u.disconnects.Add(1)
	u.connected.Store(false)
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.ended {
		u.ended = true
		close(u.events)
	}
	return nil
}

func (u *fakeUpstream) emit(t *testing.T, raw string) {
	t.Helper()
	evt, err := realtime.DecodeServerEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ended {
		return
	}
	u.events <- evt
}

func (u *fakeUpstream) sentEvents() []realtime.ClientEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]realtime.ClientEvent(nil), u.sent...)
}

func (u *fakeUpstream) sentTypes() []string {
	var out []string
	for _, e := range u.sentEvents() {
		out = append(out, e.EventType())
	}
	return out
}

func (u *fakeUpstream) count(typ string) int {
	n := 0
	for _, e := range u.sentEvents() {
		if e.EventType() == typ {
			n++
		}
	}
	return n
}

// waitSent blocks until at least n events of typ were sent and returns them.
func (u *fakeUpstream) waitSent(t *testing.T, typ string, n int) []realtime.ClientEvent {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		var matched []realtime.ClientEvent
		for _, e := range u.sentEvents() {
			if e.EventType() == typ {
				matched = append(matched, e)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s, sent %v", n, typ, u.sentTypes())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testDeps() Deps {
	return Deps{Logger: logging.Discard()}
}

func userText(t *testing.T, evt realtime.ClientEvent) string {
	t.Helper()
	item, ok := evt.(realtime.ConversationItemCreate)
	if !ok || len(item.Item.Content) == 0 {
		t.Fatalf("expected user text item, got %T", evt)
	}
	return item.Item.Content[0].Text
}
