package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smsgateway"

var (
	SegmentsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_submitted_total",
			Help:      "SubmitSM segments handed to vendor sessions.",
		},
		[]string{"vendor", "result"}, // result: ok, error
	)

	SubmitResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_responses_total",
			Help:      "SubmitSMResp PDUs received per command status.",
		},
		[]string{"vendor", "status"},
	)

	ReceiptsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_received_total",
			Help:      "Delivery receipts received from vendors.",
		},
		[]string{"vendor", "status"},
	)

	MOReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mo_messages_received_total",
			Help:      "Mobile originated messages received from vendors.",
		},
		[]string{"vendor"},
	)

	RoutingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_outcomes_total",
			Help:      "Result of routing each inbound message.",
		},
		[]string{"outcome"},
	)

	BoundWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vendor_workers_bound",
			Help:      "Outbound vendor sessions currently bound.",
		},
	)

	InboundSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_smpp_sessions",
			Help:      "Inbound SMPP sessions currently bound.",
		},
	)

	DLRForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlr_forwards_total",
			Help:      "DLR forward attempts per channel.",
		},
		[]string{"channel", "result"}, // channel: smpp, http
	)

	VendorReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_reloads_total",
			Help:      "Vendor configuration reload attempts.",
		},
		[]string{"result"},
	)

	DLRStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlr_payloads_stored",
			Help:      "DLR payloads currently held in memory.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// GinMiddleware records request counts and latency per gin route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		httpRequestDurationSeconds.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
