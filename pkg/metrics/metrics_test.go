package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened("client")
	m.SessionClosed("client", "normal")
	m.Message("in", "media")
	m.RateLimit("ws_upgrade", "local", "allowed")
	m.UpstreamError("connect")
	m.AuthRejected("client")
}

func TestSessionGaugeAndHandler(t *testing.T) {
	m := New("callbridge", prometheus.NewRegistry())
	m.SessionOpened("telephony")
	m.SessionOpened("telephony")
	m.SessionClosed("telephony", "hangup")

	if got := testutil.ToFloat64(m.ActiveSessions.WithLabelValues("telephony")); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionEvents.WithLabelValues("telephony", "close_hangup")); got != 1 {
		t.Fatalf("expected one close event, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "callbridge_active_sessions") {
		t.Fatalf("expected gauge in exposition output")
	}
}
