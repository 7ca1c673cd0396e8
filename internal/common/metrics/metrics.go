package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentsCapturedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_captured_total",
			Help: "Total number of payment capture attempts",
		},
		[]string{"status"},
	)

	webhooksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_processed_total",
			Help: "Total number of gateway webhook events by outcome",
		},
		[]string{"event_type", "outcome"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Total number of refund submissions",
		},
		[]string{"status"},
	)

	payoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Total number of driver payout submissions",
		},
		[]string{"stage", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentsCapturedTotal)
	prometheus.MustRegister(webhooksProcessedTotal)
	prometheus.MustRegister(refundsTotal)
	prometheus.MustRegister(payoutsTotal)
}

// Middleware records request counts and latencies per route
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the Prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPaymentCaptured increments the capture counter
func RecordPaymentCaptured(status string) {
	paymentsCapturedTotal.WithLabelValues(status).Inc()
}

// RecordWebhookProcessed increments the webhook counter
func RecordWebhookProcessed(eventType, outcome string) {
	webhooksProcessedTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordRefund increments the refund counter
func RecordRefund(status string) {
	refundsTotal.WithLabelValues(status).Inc()
}

// RecordPayout increments the payout counter
func RecordPayout(stage, status string) {
	payoutsTotal.WithLabelValues(stage, status).Inc()
}
