package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
	streams map[string]bool
}

// NewPrometheusMiddleware creates a new Prometheus middleware. Routes listed
// in streamRoutes (the SSE feed, the relay upgrade) stay open for a whole call
// or connection; they are counted but kept out of the latency histogram.
func NewPrometheusMiddleware(m *metrics.Metrics, streamRoutes ...string) *PrometheusMiddleware {
	streams := make(map[string]bool, len(streamRoutes))
	for _, r := range streamRoutes {
		streams[r] = true
	}
	return &PrometheusMiddleware{
		metrics: m,
		streams: streams,
	}
}

// Handler returns the Gin middleware handler
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		if p.streams[endpoint] {
			c.Next()
			p.metrics.RecordHTTPStream(c.Request.Method, endpoint, HTTPStatusToLabel(c.Writer.Status()))
			return
		}

		p.metrics.IncrementHTTPRequestsInFlight()
		defer p.metrics.DecrementHTTPRequestsInFlight()

		start := time.Now()
		c.Next()

		p.metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			HTTPStatusToLabel(c.Writer.Status()),
			time.Since(start),
		)
	}
}

// MetricsHandler returns an HTTP handler for Prometheus metrics endpoint
// This handler always returns HTTP 200 if the process is alive, even if metrics collection fails
func MetricsHandler(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in metrics handler",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				c.JSON(http.StatusOK, gin.H{
					"status": "metrics_collection_error",
					"error":  fmt.Sprintf("%v", r),
				})
				c.Abort()
			}
		}()

		registry := m.GetRegistry()
		if registry == nil {
			c.JSON(http.StatusOK, gin.H{
				"status": "registry_not_initialized",
				"error":  "metrics registry is nil",
			})
			return
		}

		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
	}
}

// HTTPStatusToLabel converts HTTP status code to label
func HTTPStatusToLabel(statusCode int) string {
	switch {
	case statusCode == http.StatusSwitchingProtocols:
		return "101"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return strconv.Itoa(statusCode)
	}
}
