package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "newswall_"

type RelayOutcome string

const (
	RelayOutcomeDelivered RelayOutcome = "delivered"
	RelayOutcomeDropped   RelayOutcome = "dropped"
)

// Metrics methods are safe to call on a nil receiver; a nil Metrics records
// nothing.
type Metrics struct {
	ingestedItems    prometheus.Counter
	duplicateItems   prometheus.Counter
	ingestDuration   prometheus.Histogram
	publishedBatches prometheus.Counter
	parkedWaiters    prometheus.Gauge
	pushSubscribers  prometheus.Gauge
	relayMessages    *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		ingestedItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "ingested_items_total",
			Help: "Number of news items accepted and stored",
		}),
		duplicateItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "duplicate_items_total",
			Help: "Number of ingested items rejected as duplicates of an existing (source, id) pair",
		}),
		ingestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "ingest_duration_seconds",
			Help:    "Time taken to process an ingest request",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		publishedBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "published_batches_total",
			Help: "Number of item batches published to the delivery queue",
		}),
		parkedWaiters: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "parked_waiters",
			Help: "Number of long-poll requests currently parked waiting for items",
		}),
		pushSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "push_subscribers",
			Help: "Number of currently connected event stream subscribers",
		}),
		relayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "relay_messages_total",
			Help: "Number of relay messages received, grouped by outcome",
		}, []string{"outcome"}),
		rateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "rate_limited_requests_total",
			Help: "Number of ingest requests rejected by the rate limiter",
		}),
	}
}

func (m *Metrics) RecordIngestedItems(count int) {
	if m == nil {
		return
	}
	m.ingestedItems.Add(float64(count))
}

func (m *Metrics) RecordDuplicateItems(count int) {
	if m == nil {
		return
	}
	m.duplicateItems.Add(float64(count))
}

func (m *Metrics) RecordIngestDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) RecordPublishedBatch() {
	if m == nil {
		return
	}
	m.publishedBatches.Inc()
}

func (m *Metrics) RecordWaiterParked() {
	if m == nil {
		return
	}
	m.parkedWaiters.Inc()
}

func (m *Metrics) RecordWaiterReleased() {
	if m == nil {
		return
	}
	m.parkedWaiters.Dec()
}

func (m *Metrics) RecordSubscriberConnected() {
	if m == nil {
		return
	}
	m.pushSubscribers.Inc()
}

func (m *Metrics) RecordSubscriberDisconnected() {
	if m == nil {
		return
	}
	m.pushSubscribers.Dec()
}

func (m *Metrics) RecordRelayMessage(outcome RelayOutcome) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
