package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corates/stripehook/internal/pkg/billing"
)

const namespace = "stripehook"

// Collector holds the webhook Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	Deliveries           *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	GrantMutations       *prometheus.CounterVec
	ProcessingDuration   *prometheus.HistogramVec
}

var _ billing.OutcomeRecorder = (*Collector)(nil)

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by final ledger status",
		}, []string{"status"}),
		VerificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_verification_failures_total",
			Help:      "Rejected webhook signatures by reason",
		}, []string{"reason"}),
		GrantMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_grant_mutations_total",
			Help:      "Access grants created or extended",
		}, []string{"grant_type", "kind"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_seconds",
			Help:      "Time spent ingesting one webhook delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}

	reg.MustRegister(c.Deliveries, c.VerificationFailures, c.GrantMutations, c.ProcessingDuration)
	return c
}

func (c *Collector) RecordDelivery(_ context.Context, report billing.DeliveryReport) {
	status := report.Status
	if status == "" {
		status = "unknown"
	}
	c.Deliveries.WithLabelValues(status).Inc()
	c.ProcessingDuration.WithLabelValues(status).Observe(report.Duration.Seconds())

	switch report.Tag {
	case billing.TagGrantCreated:
		c.GrantMutations.WithLabelValues(report.GrantType, "created").Inc()
	case billing.TagGrantExtended:
		c.GrantMutations.WithLabelValues(report.GrantType, "extended").Inc()
	}
}

func (c *Collector) RecordVerificationFailure(reason string) {
	c.VerificationFailures.WithLabelValues(reason).Inc()
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns the exposition handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
