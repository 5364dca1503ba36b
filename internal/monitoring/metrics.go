package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker. Scraped via /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_frames_received_total",
		Help: "Inbound frames by request type",
	}, []string{"type"})

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_messages_published_total",
		Help: "Total messages persisted via publish",
	})

	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_fanout_deliveries_total",
		Help: "Total broadcast envelopes delivered to subscribers",
	})

	FanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_fanout_failures_total",
		Help: "Broadcast deliveries that failed and evicted the subscriber",
	})

	HistoryReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_history_replayed_total",
		Help: "History messages replayed via last_n",
	})

	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_store_errors_total",
		Help: "Durable store operations that failed",
	})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_rate_limited_frames_total",
		Help: "Inbound frames rejected by the per-connection rate limiter",
	})

	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_rss_bytes",
		Help: "Resident set size of the broker process",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_cpu_percent",
		Help: "CPU usage percent of the broker process",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		FramesReceived,
		MessagesPublished,
		FanoutDeliveries,
		FanoutFailures,
		HistoryReplayed,
		StoreErrors,
		RateLimitedFrames,
		ProcessRSSBytes,
		ProcessCPUPercent,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
