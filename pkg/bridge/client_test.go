package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/realtime"
)

type session struct {
	conn *fakeConn
	up   *fakeUpstream
}

func startClient(t *testing.T, cfg Config) *session {
	t.Helper()
	s := &session{conn: newFakeConn(), up: newFakeUpstream()}
	cl := NewClient(s.conn, s.up, cfg, testDeps())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Errorf("client session did not stop")
		}
	})
	return s
}

func rawAudio(id string) []byte {
	return []byte(`{"type":"input_audio_buffer.append","audio":"` + id + `"}`)
}

func TestClientFlushesQueuedMessagesInOrder(t *testing.T) {
	s := startClient(t, Config{})
	s.conn.push(t, rawAudio("a"))
	s.conn.push(t, rawAudio("b"))
	time.Sleep(20 * time.Millisecond)
	if n := len(s.up.sentEvents()); n != 0 {
		t.Fatalf("messages must wait for the upstream, got %d", n)
	}
	s.up.gate <- nil
	s.conn.push(t, rawAudio("c"))

	sent := s.up.waitSent(t, realtime.TypeInputAudioAppend, 3)
	for i, want := range []string{"a", "b", "c"} {
		raw, err := realtime.Encode(sent[i])
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if string(raw) != string(rawAudio(want)) {
			t.Fatalf("message %d: got %s want %s", i, raw, rawAudio(want))
		}
	}
}

func TestClientRelaysUpstreamVerbatim(t *testing.T) {
	s := startClient(t, Config{})
	s.up.gate <- nil
	s.conn.push(t, []byte(`{"type":"response.create"}`))
	s.up.waitSent(t, realtime.TypeResponseCreate, 1)

	raw := `{"type":"response.text.delta","delta":"hi","extra":{"k":1}}`
	s.up.emit(t, raw)
	deadline := time.Now().Add(waitTimeout)
	for {
		frames := s.conn.frames()
		if len(frames) == 1 {
			if string(frames[0]) != raw {
				t.Fatalf("expected verbatim relay, got %s", frames[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream event not relayed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientDropsMalformedMessages(t *testing.T) {
	s := startClient(t, Config{})
	s.up.gate <- nil
	s.conn.push(t, []byte(`{broken`))
	s.conn.push(t, []byte(`{"audio":"no type"}`))
	s.conn.push(t, rawAudio("ok"))
	sent := s.up.waitSent(t, realtime.TypeInputAudioAppend, 1)
	if len(s.up.sentEvents()) != 1 {
		t.Fatalf("only the valid message may be forwarded, got %v", s.up.sentTypes())
	}
	if raw, _ := realtime.Encode(sent[0]); string(raw) != string(rawAudio("ok")) {
		t.Fatalf("unexpected forward %s", raw)
	}
	if s.conn.isClosed() {
		t.Fatalf("malformed input must not close the session")
	}
}

func TestClientTimeLimit(t *testing.T) {
	s := startClient(t, Config{HardLimit: 50 * time.Millisecond})
	s.up.gate <- nil
	_, reason := s.conn.waitClosed(t)
	if reason != ReasonSessionTimeLimit {
		t.Fatalf("unexpected reason %q", reason)
	}
	frames := s.conn.frames()
	if len(frames) != 1 {
		t.Fatalf("expected a single notice before close, got %d frames", len(frames))
	}
	var notice map[string]any
	if err := json.Unmarshal(frames[0], &notice); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if notice["type"] != "session.time_limit" {
		t.Fatalf("unexpected notice %v", notice)
	}
	if s.up.disconnects.Load() == 0 {
		t.Fatalf("upstream must be disconnected")
	}
}

func TestClientUpstreamConnectFailure(t *testing.T) {
	s := startClient(t, Config{})
	s.conn.push(t, rawAudio("queued"))
	s.up.gate <- errors.New("no route")
	code, reason := s.conn.waitClosed(t)
	if code != CloseUpstreamUnavailable || reason != ReasonUpstreamFailed {
		t.Fatalf("unexpected close %d %q", code, reason)
	}
}

func TestClientPeerCloseDisconnectsUpstream(t *testing.T) {
	s := startClient(t, Config{})
	s.up.gate <- nil
	s.conn.push(t, rawAudio("a"))
	s.up.waitSent(t, realtime.TypeInputAudioAppend, 1)
	close(s.conn.in)
	deadline := time.Now().Add(waitTimeout)
	for s.up.disconnects.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("upstream not disconnected after peer close")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientDeliversEveryMessageQueuedBeforeConnect(t *testing.T) {
	const n = 200
	s := startClient(t, Config{})
	for i := 0; i < n; i++ {
		s.conn.push(t, rawAudio(strconv.Itoa(i)))
	}
	time.Sleep(30 * time.Millisecond)
	s.up.gate <- nil

	sent := s.up.waitSent(t, realtime.TypeInputAudioAppend, n)
	if len(sent) != n {
		t.Fatalf("expected %d messages, got %d", n, len(sent))
	}
	for i, evt := range sent {
		raw, err := realtime.Encode(evt)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if want := rawAudio(strconv.Itoa(i)); string(raw) != string(want) {
			t.Fatalf("message %d: got %s want %s", i, raw, want)
		}
	}
}

func TestClientPendingOverflowEndsSession(t *testing.T) {
	s := startClient(t, Config{MaxPending: 3})
	for i := 0; i < 6; i++ {
		s.conn.push(t, rawAudio(strconv.Itoa(i)))
	}
	code, reason := s.conn.waitClosed(t)
	if code != ClosePendingOverflow || reason != ReasonPendingOverflow {
		t.Fatalf("unexpected close %d %q", code, reason)
	}
	s.up.gate <- nil
	time.Sleep(20 * time.Millisecond)
	if n := len(s.up.sentEvents()); n != 0 {
		t.Fatalf("nothing may be delivered after an overflow, got %d", n)
	}
}
