package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "otc_attendance"

var (
	AttendanceMarks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "marks_total", Help: "Attendance submissions by outcome",
	}, []string{"outcome"})
	OTCIssueAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "otc_issue_attempts", Help: "Candidates generated per issued code",
		Buckets: []float64{1, 2, 3, 5, 8, 16},
	})
	OTCIssueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "otc_issue_exhausted_total", Help: "Issuance attempts that ran out of candidates",
	})
	FeedSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "feed_subscribers", Help: "Open live feed subscriptions",
	}, []string{"topic"})
	FeedDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "feed_deliveries_total", Help: "Feed events by delivery result",
	}, []string{"result"})
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limited_total", Help: "Requests rejected by the rate limiter",
	})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(AttendanceMarks, OTCIssueAttempts, OTCIssueFailures,
		FeedSubscribers, FeedDeliveries, RateLimited, HTTPDuration)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// GinMiddleware records request latency keyed by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
