package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

type outFrame struct {
	data      []byte
	close     bool
	closeCode int
	reason    string
}

// socketWriter owns every write to the inbound socket so frames leave in the
// order they were queued.
type socketWriter struct {
	conn    Conn
	sendCh  chan outFrame
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	closing  bool
	finished chan struct{}
}

func newSocketWriter(conn Conn, timeout time.Duration, logger *slog.Logger) *socketWriter {
	return &socketWriter{
		conn:     conn,
		sendCh:   make(chan outFrame, 512),
		timeout:  timeout,
		logger:   logger,
		finished: make(chan struct{}),
	}
}

// send queues a text frame. Frames queued after close are dropped.
func (s *socketWriter) send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	select {
	case s.sendCh <- outFrame{data: data}:
		return true
	case <-s.finished:
		return false
	}
}

// close queues a close frame behind everything already queued, then the
// connection is closed. Safe to call more than once.
func (s *socketWriter) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	select {
	case s.sendCh <- outFrame{close: true, closeCode: code, reason: reason}:
	case <-s.finished:
	}
	close(s.sendCh)
}

func (s *socketWriter) loop() {
	defer close(s.finished)
	defer s.conn.Close()
	broken := false
	for f := range s.sendCh {
		if broken {
			continue
		}
		deadline := time.Now().Add(s.timeout)
		if f.close {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(f.closeCode, truncateReason(f.reason)), deadline)
			return
		}
		_ = s.conn.SetWriteDeadline(deadline)
		if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			s.logger.Warn("inbound_write_failed",
				"reason_code", string(errorsx.ReasonTransportSend),
				"error", err.Error(),
			)
			broken = true
		}
	}
}

// close reasons are limited to 123 bytes by the protocol.
func truncateReason(r string) string {
	if len(r) > 123 {
		return r[:123]
	}
	return r
}
