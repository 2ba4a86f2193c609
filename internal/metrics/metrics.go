// Package metrics exposes Prometheus counters for conversation turns,
// routing decisions and live sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/mnemon/internal/intent"
)

// Metrics holds every collector on its own registry, so tests and
// multiple instances do not collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	intents      *prometheus.CounterVec
	replies      *prometheus.CounterVec
	sessions     prometheus.Gauge
	queued       prometheus.Gauge
}

// New creates and registers the collectors. Go runtime and process
// collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemon_turns_total",
				Help: "Conversation turns processed, by state before the turn and outcome",
			},
			[]string{"state", "outcome"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mnemon_turn_duration_seconds",
				Help:    "Wall time of a conversation turn in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"state"},
		),
		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemon_intents_total",
				Help: "Classified message intents",
			},
			[]string{"intent"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemon_command_replies_total",
				Help: "Classified replies to a proposed command",
			},
			[]string{"reply"},
		),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mnemon_sessions",
			Help: "Sessions known to the dispatcher",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mnemon_queued_messages",
			Help: "Messages waiting for their session worker",
		}),
	}
	m.registry.MustRegister(
		m.turns, m.turnDuration, m.intents, m.replies, m.sessions, m.queued,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records one finished turn. state is the state name the
// turn started in.
func (m *Metrics) ObserveTurn(state string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.turns.WithLabelValues(state, outcome).Inc()
	m.turnDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveIntent counts a routing decision.
func (m *Metrics) ObserveIntent(in intent.Intent) {
	m.intents.WithLabelValues(in.String()).Inc()
}

// ObserveReply counts a command confirmation decision.
func (m *Metrics) ObserveReply(r intent.Reply) {
	m.replies.WithLabelValues(r.String()).Inc()
}

// SetSessions reports the number of live sessions.
func (m *Metrics) SetSessions(n int) { m.sessions.Set(float64(n)) }

// AddQueued adjusts the queued message count by delta.
func (m *Metrics) AddQueued(delta int) { m.queued.Add(float64(delta)) }
