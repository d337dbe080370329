// ABOUTME: Prometheus collectors for sends, subscribers and session state
// ABOUTME: Implements the dispatch and notify observer hooks on a private registry

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/wabridge/internal/dispatch"
	"github.com/2389/wabridge/internal/notify"
	"github.com/2389/wabridge/internal/session"
)

const namespace = "wabridge"

var sessionStates = []session.State{
	session.StateUninitialized,
	session.StateInitializing,
	session.StateQRPending,
	session.StateAuthenticating,
	session.StateReady,
	session.StateDisconnected,
}

// Metrics holds every collector the bridge exports.
type Metrics struct {
	registry *prometheus.Registry

	sends        *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	subscribers  prometheus.Gauge
	dropped      *prometheus.CounterVec
	state        *prometheus.GaugeVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Per-destination send attempts by destination kind, payload kind and outcome.",
		}, []string{"kind", "payload", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time spent on a single destination, including resolution and media staging.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"kind", "outcome"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Connected real-time subscribers.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}, []string{"type"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session lifecycle state, 0 for the others.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends,
		m.sendDuration,
		m.subscribers,
		m.dropped,
		m.state,
	)
	m.SessionState(session.StateUninitialized)
	return m
}

// SendCompleted implements dispatch.Observer.
func (m *Metrics) SendCompleted(kind dispatch.Kind, payload dispatch.PayloadKind, outcome dispatch.Outcome, elapsed time.Duration) {
	m.sends.WithLabelValues(string(kind), string(payload), string(outcome)).Inc()
	m.sendDuration.WithLabelValues(string(kind), string(outcome)).Observe(elapsed.Seconds())
}

// SubscribersChanged implements notify.Observer.
func (m *Metrics) SubscribersChanged(n int) {
	m.subscribers.Set(float64(n))
}

// EventDropped implements notify.Observer.
func (m *Metrics) EventDropped(t notify.EventType) {
	m.dropped.WithLabelValues(string(t)).Inc()
}

// SessionState records the current lifecycle state. It has the signature
// expected by session.Manager.Watch.
func (m *Metrics) SessionState(s session.State) {
	for _, st := range sessionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var (
	_ dispatch.Observer = (*Metrics)(nil)
	_ notify.Observer   = (*Metrics)(nil)
)
