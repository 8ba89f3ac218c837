package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ActiveSessions     *prometheus.GaugeVec
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	AuthRejections     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers instruments on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests independent of the global registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live bridged sessions by mode.",
		}, []string{"mode"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by mode and event.",
		}, []string{"mode", "event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit outcomes by policy, store and result.",
		}, []string{"policy", "store", "result"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream realtime API failures by reason.",
		}, []string{"reason"}),
		AuthRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Rejected token validations by context.",
		}, []string{"context"}),
		gatherer: reg,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(mode string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(mode).Inc()
	m.SessionEvents.WithLabelValues(mode, "open").Inc()
}

func (m *Metrics) SessionClosed(mode, reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(mode).Dec()
	m.SessionEvents.WithLabelValues(mode, "close_"+reason).Inc()
}

func (m *Metrics) SessionEvent(mode, event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(mode, event).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) RateLimit(policy, store, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(policy, store, result).Inc()
}

func (m *Metrics) UpstreamError(reason string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthRejected(context string) {
	if m == nil {
		return
	}
	m.AuthRejections.WithLabelValues(context).Inc()
}
