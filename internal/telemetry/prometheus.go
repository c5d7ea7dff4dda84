package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"briefing/internal/types"
)

// PrometheusRecorder exposes the domain counters for scraping.
type PrometheusRecorder struct {
	webhookEvents *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	sweepRows     *prometheus.CounterVec
	sweepRuns     prometheus.Counter
	requests      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ types.MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the collectors on reg. A nil reg uses a
// fresh registry, which keeps repeated construction in tests independent.
func NewPrometheusRecorder(namespace string, reg *prometheus.Registry) (*PrometheusRecorder, error) {
	if namespace == "" {
		namespace = "briefing"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &PrometheusRecorder{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processor webhook events by type and dispatch outcome.",
		}, []string{"event_type", "outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Access code redemption attempts by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by channel and resulting ledger status.",
		}, []string{"channel", "status"}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_entries_total",
			Help:      "Ledger entries handled by the retry sweep, by result.",
		}, []string{"result"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed retry sweeps.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{r.webhookEvents, r.redemptions, r.deliveries, r.sweepRows, r.sweepRuns, r.requests} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) RecordWebhookEvent(_ context.Context, eventType string, outcome string) {
	r.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (r *PrometheusRecorder) RecordRedemption(_ context.Context, outcome string) {
	r.redemptions.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordDelivery(_ context.Context, channel types.ChannelType, status types.DeliveryStatus) {
	r.deliveries.WithLabelValues(string(channel), string(status)).Inc()
}

func (r *PrometheusRecorder) RecordSweep(_ context.Context, report types.SweepReport) {
	r.sweepRuns.Inc()
	r.sweepRows.WithLabelValues("retried").Add(float64(report.Retried))
	r.sweepRows.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	r.sweepRows.WithLabelValues("dead_lettered").Add(float64(report.DeadLettered))
	r.sweepRows.WithLabelValues("handed_back").Add(float64(report.HandedBack))
}

// ObserveRequest records one HTTP request. route is the chi pattern, never
// the raw path.
func (r *PrometheusRecorder) ObserveRequest(method, route string, status int, d time.Duration) {
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
