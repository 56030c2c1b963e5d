package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the prefix of every exported metric
const Namespace = "weaver"

// Collector exports crawl metrics to Prometheus. A nil *Collector is a no-op.
type Collector struct {
	pages        *prometheus.CounterVec
	domains      *prometheus.CounterVec
	batches      *prometheus.CounterVec
	fetchSeconds prometheus.Histogram
	scansRunning prometheus.Gauge
}

// NewCollector registers the metrics on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_total",
			Help:      "Pages processed, by outcome.",
		}, []string{"outcome"}),
		domains: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "domains_checked_total",
			Help:      "Outbound domains classified, by liveness status.",
		}, []string{"status"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batches_total",
			Help:      "Finished batches, by final status.",
		}, []string{"status"}),
		fetchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "page_fetch_duration_seconds",
			Help:      "Page fetch duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		scansRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "scans_running",
			Help:      "Batches currently running.",
		}),
	}
}

// ScanStarted increments the running gauge
func (c *Collector) ScanStarted() {
	if c != nil {
		c.scansRunning.Inc()
	}
}

// ScanFinished decrements the running gauge
func (c *Collector) ScanFinished() {
	if c != nil {
		c.scansRunning.Dec()
	}
}

func (c *Collector) page(outcome string) {
	if c != nil {
		c.pages.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) domain(status string) {
	if c != nil {
		c.domains.WithLabelValues(status).Inc()
	}
}

func (c *Collector) batch(status string) {
	if c != nil {
		c.batches.WithLabelValues(status).Inc()
	}
}

func (c *Collector) fetchDuration(d time.Duration) {
	if c != nil {
		c.fetchSeconds.Observe(d.Seconds())
	}
}
