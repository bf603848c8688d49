package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is the transient result of one send attempt. It is never
// persisted; it only drives logging and metrics.
type Outcome string

const (
	OutcomeDeliveredLive Outcome = "delivered_live"
	OutcomeQueuedOffline Outcome = "queued_offline"
	OutcomeRejected      Outcome = "rejected"
)

var (
	// deliveries counts send attempts by outcome.
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_deliveries_total",
			Help: "Total number of message send attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// acks counts delivery acknowledgements by result: applied, late (after
	// a loss report), duplicate, foreign or unknown.
	acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_acks_total",
			Help: "Total number of delivery acknowledgements, by result.",
		},
		[]string{"result"},
	)

	losses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "im_delivery_losses_total",
			Help: "Total number of live pushes reported lost by the transport.",
		},
	)

	pendingFingerprints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_pending_fingerprints",
			Help: "Live pushes awaiting acknowledgement.",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveries, acks, losses, pendingFingerprints)
}
