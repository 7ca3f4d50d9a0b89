// Package metrics exposes Prometheus instrumentation for feed fetching and
// payload processing. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingestion"

// Metrics holds all collectors of the ingestion service.
type Metrics struct {
	FeedFetchesTotal    *prometheus.CounterVec
	FeedFetchDuration   prometheus.Histogram
	ItemsFetchedTotal   prometheus.Counter
	ItemsEnqueuedTotal  prometheus.Counter
	OutcomesTotal       *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	DuplicateDeliveries prometheus.Counter
	QueueDepth          *prometheus.GaugeVec
	WorkersBusy         prometheus.Gauge
}

// New creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FeedFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fetches_total",
			Help:      "Feed fetches by result",
		}, []string{"result"}),
		FeedFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fetch_duration_seconds",
			Help:      "Time to download and parse one feed",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ItemsFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "items_fetched_total",
			Help:      "Valid feed items parsed",
		}),
		ItemsEnqueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Payloads added to the queue",
		}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "outcomes_total",
			Help:      "Terminal payload outcomes by kind",
		}, []string{"kind"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Payload attempts scheduled for retry",
		}),
		DuplicateDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "duplicate_deliveries_total",
			Help:      "Terminal outcomes ignored because the delivery was already counted",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries per queue state",
		}, []string{"state"}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently processing a payload",
		}),
	}
}

// FeedFetched records one feed fetch.
func (m *Metrics) FeedFetched(ok bool, items int, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.FeedFetchesTotal.WithLabelValues(result).Inc()
	m.FeedFetchDuration.Observe(d.Seconds())
	m.ItemsFetchedTotal.Add(float64(items))
}

// Enqueued records n payloads added to the queue.
func (m *Metrics) Enqueued(n int) {
	if m == nil {
		return
	}
	m.ItemsEnqueuedTotal.Add(float64(n))
}

// Outcome records a terminal outcome of the given kind.
func (m *Metrics) Outcome(kind string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(kind).Inc()
}

// Retried records an attempt scheduled for retry.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// Duplicate records an outcome that had already been counted.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicateDeliveries.Inc()
}

// Busy adjusts the busy worker gauge by delta.
func (m *Metrics) Busy(delta float64) {
	if m == nil {
		return
	}
	m.WorkersBusy.Add(delta)
}

// SetQueueDepth publishes a queue depth snapshot keyed by state name.
func (m *Metrics) SetQueueDepth(counts map[string]int64) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}
