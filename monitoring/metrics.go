package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"listproc/models"
)

// Metrics are the processing cycle and HTTP collectors.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	LastCycle       prometheus.Gauge
	MessagesTotal   *prometheus.CounterVec
	SentMessages    prometheus.Counter
	SentEmails      prometheus.Counter
	ErrorsTotal     prometheus.Counter
	LeaseContention prometheus.Counter

	HTTPRequestsTotal *prometheus.CounterVec
	RateLimitBlocks   *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listproc_cycles_total",
				Help: "Processing cycles by outcome",
			},
			[]string{"outcome"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "listproc_cycle_duration_seconds",
				Help:    "Processing cycle duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
		),

		LastCycle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "listproc_last_cycle_timestamp_seconds",
				Help: "Unix time of the last finished cycle",
			},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listproc_messages_total",
				Help: "Messages handled by disposition",
			},
			[]string{"disposition"},
		),

		SentMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listproc_sent_messages_total",
				Help: "Messages relayed to a list",
			},
		),

		SentEmails: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listproc_sent_emails_total",
				Help: "Recipient deliveries of relayed messages",
			},
		),

		ErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listproc_errors_total",
				Help: "Errors counted by processing cycles",
			},
		),

		LeaseContention: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listproc_lease_contention_total",
				Help: "Cycles refused because another one was running",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listproc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listproc_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// ObserveCycle records the counters of a finished cycle. A nil receiver is a
// no-op.
func (m *Metrics) ObserveCycle(stats models.RunStats, fatal bool) {
	if m == nil {
		return
	}

	outcome := "ok"
	switch {
	case fatal:
		outcome = "fatal"
	case stats.Errors > 0:
		outcome = "errors"
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(stats.TotalTime.Seconds())
	m.LastCycle.Set(float64(time.Now().Unix()))

	m.MessagesTotal.WithLabelValues("inbox").Add(float64(stats.InboxProcessed))
	m.MessagesTotal.WithLabelValues("approved").Add(float64(stats.ApprovedForwarded))
	m.MessagesTotal.WithLabelValues("pending").Add(float64(stats.Pending))
	m.MessagesTotal.WithLabelValues("discarded").Add(float64(stats.Discarded))
	m.MessagesTotal.WithLabelValues("blocked").Add(float64(stats.Blocked))

	m.SentMessages.Add(float64(stats.SentMessages))
	m.SentEmails.Add(float64(stats.SentEmails))
	m.ErrorsTotal.Add(float64(stats.Errors))
}

func (m *Metrics) ObserveContention() {
	if m == nil {
		return
	}
	m.LeaseContention.Inc()
}

func (m *Metrics) ObserveRequest(method, endpoint string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveRateLimit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather is used by tests to inspect collected values.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			key := f.GetName()
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
