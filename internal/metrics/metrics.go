// Package metrics holds the conductor's Prometheus instrumentation:
// forwarded-frame counters, pending-request gauges and bridge HTTP
// request counters, grounded on the teacher's internal/metrics package-
// level-vars-plus-Register idiom.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	forwardedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_forwarded_frames_total",
			Help: "Number of frames forwarded between pipeline hops",
		},
		[]string{"hop", "direction"},
	)

	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_pending_requests",
			Help: "Requests forwarded to a hop awaiting a response",
		},
		[]string{"hop"},
	)

	bridgeHTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_bridge_http_requests_total",
			Help: "HTTP requests handled by an MCP bridge listener",
		},
		[]string{"status"},
	)

	bridgeHTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_bridge_http_duration_seconds",
			Help:    "Duration of MCP bridge HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// Register registers all conductor metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(forwardedFrames, pendingRequests, bridgeHTTPRequests, bridgeHTTPDuration)
}

// RecordForwardedFrame increments the forwarded-frame counter for hop in
// direction ("forward" or "backward").
func RecordForwardedFrame(hop, direction string) {
	forwardedFrames.WithLabelValues(hop, direction).Inc()
}

// SetPendingRequests sets the current number of outstanding requests
// awaiting a response from hop.
func SetPendingRequests(hop string, n int) {
	pendingRequests.WithLabelValues(hop).Set(float64(n))
}

// RecordBridgeHTTPRequest records the outcome and duration of one MCP
// bridge HTTP request.
func RecordBridgeHTTPRequest(status string, d time.Duration) {
	bridgeHTTPRequests.WithLabelValues(status).Inc()
	bridgeHTTPDuration.WithLabelValues(status).Observe(d.Seconds())
}
