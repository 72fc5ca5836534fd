package resilient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Metric names following OpenTelemetry semantic conventions
	metricHTTPClientRequestDuration = "http.client.request.duration"
	metricHTTPClientRequests        = "http.client.requests"

	attrHTTPRequestMethod  = "http.request.method"
	attrHTTPResponseStatus = "http.response.status_code"
	attrServerAddress      = "server.address"
)

// HTTP client duration buckets per OTel semantic conventions
var httpDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// A MetricsEntry describes one completed call
type MetricsEntry struct {
	Address string
	Method  string
	// Status is the HTTP status of the response, or of the final Failure; it
	// is 0 when no response was ever received
	Status   int
	Elapsed  time.Duration
	Attempts int
}

// ElapsedMillis is Elapsed in whole milliseconds
func (e MetricsEntry) ElapsedMillis() int64 {
	return e.Elapsed.Milliseconds()
}

// A MetricsSink is called synchronously once per completed call
type MetricsSink func(MetricsEntry)

// NewOTelSink returns a MetricsSink recording a duration histogram and a
// request counter on meter
func NewOTelSink(meter metric.Meter) (MetricsSink, error) {
	duration, err := meter.Float64Histogram(
		metricHTTPClientRequestDuration,
		metric.WithDescription("Duration of outbound HTTP calls, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricHTTPClientRequestDuration, err)
	}

	requests, err := meter.Int64Counter(
		metricHTTPClientRequests,
		metric.WithDescription("Number of outbound HTTP calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricHTTPClientRequests, err)
	}

	return func(e MetricsEntry) {
		attrs := metric.WithAttributes(
			attribute.String(attrHTTPRequestMethod, e.Method),
			attribute.Int(attrHTTPResponseStatus, e.Status),
			attribute.String(attrServerAddress, hostOf(e.Address)),
		)

		ctx := context.Background()
		duration.Record(ctx, e.Elapsed.Seconds(), attrs)
		requests.Add(ctx, 1, attrs)
	}, nil
}

// LogSink returns a MetricsSink writing one debug line per call to log
func LogSink(log zerolog.Logger) MetricsSink {
	return func(e MetricsEntry) {
		log.Debug().
			Str("method", e.Method).
			Str("url", e.Address).
			Int("status", e.Status).
			Int64("elapsed_ms", e.ElapsedMillis()).
			Int("attempts", e.Attempts).
			Msgf("[api] %s %s -> %d (%dms)", e.Method, e.Address, e.Status, e.ElapsedMillis())
	}
}

// hostOf keeps metric cardinality down by dropping paths and queries
func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return address
	}

	return u.Hostname()
}
