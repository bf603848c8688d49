package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_sessions_online",
			Help: "Current number of live sessions in the connection registry.",
		},
	)

	sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "im_sessions_opened_total",
			Help: "Total number of sessions registered.",
		},
	)

	// sessionsClosed is labelled by close reason (superseded, logout,
	// disconnect, expired, kicked); the label set is fixed.
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_sessions_closed_total",
			Help: "Total number of sessions torn down, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(sessionsOnline, sessionsOpened, sessionsClosed)
}

// MetricsObserver exports registry lifecycle events to Prometheus.
type MetricsObserver struct{}

func (MetricsObserver) SessionOpened(string, Conn) {
	sessionsOpened.Inc()
	sessionsOnline.Inc()
}

func (MetricsObserver) SessionClosed(_ string, reason CloseReason) {
	sessionsClosed.WithLabelValues(string(reason)).Inc()
	sessionsOnline.Dec()
}
