// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	TradesIngested   *prometheus.CounterVec
	DecodeRejections *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	BackfillDuration prometheus.Histogram

	// Broadcast metrics
	TradesBroadcast    prometheus.Counter
	SubscribersDropped prometheus.Counter
	Subscribers        prometheus.Gauge

	// Buffer metrics
	HistoryLength prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dex_trade_feed"
	}

	return &Metrics{
		TradesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_ingested_total",
			Help:      "Total number of trades accepted into history by source",
		}, []string{"source"}),
		DecodeRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_rejections_total",
			Help:      "Total number of raw events rejected by the decoder",
		}, []string{"source", "reason"}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reconnects_total",
			Help:      "Total number of upstream reconnect attempts by source",
		}, []string{"source"}),
		BackfillDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfill_duration_seconds",
			Help:      "Backfill query and decode duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TradesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "trades_broadcast_total",
			Help:      "Total number of trades published to subscribers",
		}),
		SubscribersDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers_dropped_total",
			Help:      "Total number of subscribers detached for falling behind",
		}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current number of attached subscribers",
		}),
		HistoryLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "length",
			Help:      "Current number of trades in the history buffer",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTradeIngested increments the trades ingested counter.
func RecordTradeIngested(source string) {
	DefaultMetrics.TradesIngested.WithLabelValues(source).Inc()
}

// RecordDecodeRejection records one rejected raw event.
func RecordDecodeRejection(source, reason string) {
	DefaultMetrics.DecodeRejections.WithLabelValues(source, reason).Inc()
}

// RecordReconnect records one upstream reconnect attempt.
func RecordReconnect(source string) {
	DefaultMetrics.Reconnects.WithLabelValues(source).Inc()
}

// RecordBackfillDuration records a backfill run duration.
func RecordBackfillDuration(seconds float64) {
	DefaultMetrics.BackfillDuration.Observe(seconds)
}

// RecordBroadcast increments the broadcast counter.
func RecordBroadcast() {
	DefaultMetrics.TradesBroadcast.Inc()
}

// RecordSubscriberDropped increments the dropped subscriber counter.
func RecordSubscriberDropped() {
	DefaultMetrics.SubscribersDropped.Inc()
}

// SetSubscribers updates the subscriber gauge.
func SetSubscribers(n int) {
	DefaultMetrics.Subscribers.Set(float64(n))
}

// SetHistoryLength updates the history length gauge.
func SetHistoryLength(n int) {
	DefaultMetrics.HistoryLength.Set(float64(n))
}
