// Package metrics exposes Prometheus counters for feed fetching, schedule
// resolution and reminder planning.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements ics.Metrics, schedule.Metrics and notify.Metrics.
type Collector struct {
	fetches        *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	parseFailures  *prometheus.CounterVec
	sourceFailures prometheus.Counter
	resolves       *prometheus.CounterVec
	planned        prometheus.Gauge
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edtcal_fetch_total",
			Help: "ICS feed fetches by feed kind and outcome.",
		}, []string{"kind", "outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edtcal_fetch_latency_seconds",
			Help:    "ICS feed HTTP round trip latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edtcal_parse_fail_total",
			Help: "ICS payloads that failed to parse.",
		}, []string{"kind"}),
		sourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edtcal_merged_source_fail_total",
			Help: "Calendar sources skipped while building the merged view.",
		}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edtcal_resolve_total",
			Help: "Schedule resolutions by selection variant and whether the result was applied.",
		}, []string{"variant", "applied"}),
		planned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edtcal_planned_notifications",
			Help: "Reminders installed by the last replan.",
		}),
	}

	reg.MustRegister(
		c.fetches,
		c.fetchLatency,
		c.parseFailures,
		c.sourceFailures,
		c.resolves,
		c.planned,
	)
	return c
}

func (c *Collector) RecordFetch(kind, outcome string) {
	c.fetches.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) RecordFetchLatency(d time.Duration) {
	c.fetchLatency.Observe(d.Seconds())
}

func (c *Collector) RecordParseFailure(kind string) {
	c.parseFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordSourceFailure() {
	c.sourceFailures.Inc()
}

func (c *Collector) RecordResolve(variant string, applied bool) {
	c.resolves.WithLabelValues(variant, strconv.FormatBool(applied)).Inc()
}

func (c *Collector) RecordPlanned(n int) {
	c.planned.Set(float64(n))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
