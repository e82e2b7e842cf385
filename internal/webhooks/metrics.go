package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinescrow",
		Subsystem: "webhook",
		Name:      "queued_total",
		Help:      "Webhook events queued for delivery by event type.",
	}, []string{"event_type"})

	webhookDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinescrow",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Webhook events dropped because the queue was full.",
	}, []string{"event_type"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinescrow",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery outcomes by event type.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(webhookQueued, webhookDropped, webhookDeliveries)
}
