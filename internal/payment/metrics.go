package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurrente_webhook_events_total",
		Help: "Inbound webhook deliveries, labeled by event kind and outcome",
	}, []string{"kind", "outcome"})

	stateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurrente_state_transitions_total",
		Help: "Transaction state changes applied by the reconciler",
	}, []string{"from", "to"})

	rejectedTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurrente_rejected_transitions_total",
		Help: "Transitions rejected because the transaction was already terminal",
	}, []string{"state", "target"})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recurrente_gateway_request_duration_seconds",
		Help:    "Latency of outbound gateway API calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation", "outcome"})
)
