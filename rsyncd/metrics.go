package rsyncd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's prometheus instruments. A nil *Metrics is
// valid and records nothing, so the engine never has to check.
type Metrics struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	bytesSent      prometheus.Counter
}

// NewMetrics builds and registers the daemon metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocrsync_sessions_total",
			Help: "Daemon sessions accepted.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocrsync_sessions_active",
			Help: "Daemon sessions currently running.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocrsync_bytes_sent_total",
			Help: "Literal bytes sent to clients.",
		}),
	}
	reg.MustRegister(m.sessionsTotal, m.sessionsActive, m.bytesSent)
	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) addBytes(n int64) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}
