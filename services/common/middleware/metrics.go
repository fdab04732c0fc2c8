package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
)

// MetricsRecorder is the subset of the CloudWatch client the HTTP metrics use.
type MetricsRecorder interface {
	IsEnabled() bool
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

// Metrics records request count, latency and error counts per route.
// Publishing happens off the request goroutine.
func Metrics(recorder MetricsRecorder, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if recorder == nil || !recorder.IsEnabled() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		dims := map[string]string{
			"Service": serviceName,
			"Method":  c.Request.Method,
			"Route":   route,
			"Status":  statusClass(status),
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = recorder.RecordCount(ctx, awspkg.MetricHTTPRequests, dims)
			_ = recorder.RecordLatency(ctx, awspkg.MetricHTTPLatency, duration, dims)
			switch {
			case status >= 500:
				_ = recorder.RecordCount(ctx, awspkg.MetricHTTP5xx, dims)
			case status >= 400:
				_ = recorder.RecordCount(ctx, awspkg.MetricHTTP4xx, dims)
			}
		}()
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
