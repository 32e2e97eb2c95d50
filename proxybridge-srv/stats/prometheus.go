package stats

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram buckets for connection lifetimes in seconds.
var durationBuckets = []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300}

// Exporter is implemented by collectors that serve their data over HTTP.
type Exporter interface {
	Handler() http.Handler
}

// PrometheusCollector implements Collector on top of a private Prometheus
// registry. It keeps no per-connection state; ids are only unique.
type PrometheusCollector struct {
	Registry *prometheus.Registry

	ConnectionsTotal   *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	ConnectionDuration *prometheus.HistogramVec
	RequestsTotal      *prometheus.CounterVec
	ResponsesTotal     *prometheus.CounterVec
	UpstreamAttempts   *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec

	nextID           atomic.Int64
	totalConnections atomic.Int64
	activeCount      atomic.Int64
	totalRequests    atomic.Int64
	totalErrors      atomic.Int64
	upstreamFailures atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
}

// NewPrometheusCollector creates a collector with a custom registry and all
// metrics registered.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &PrometheusCollector{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_connections_total",
			Help: "Total client connections by protocol.",
		}, []string{"protocol"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxybridge_active_connections",
			Help: "Number of client connections currently being handled.",
		}),

		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxybridge_connection_duration_seconds",
			Help:    "Client connection lifetime in seconds.",
			Buckets: durationBuckets,
		}, []string{"close_reason"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_requests_total",
			Help: "Total parsed client requests by method.",
		}, []string{"method"}),

		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_responses_total",
			Help: "Total responses written to clients by status code.",
		}, []string{"status_code"}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_upstream_attempts_total",
			Help: "Proxy chain attempts by level and result.",
		}, []string{"level", "result"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_errors_total",
			Help: "Errors by type.",
		}, []string{"error_type"}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxybridge_client_bytes_total",
			Help: "Bytes exchanged with clients by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		p.ConnectionsTotal,
		p.ActiveConnections,
		p.ConnectionDuration,
		p.RequestsTotal,
		p.ResponsesTotal,
		p.UpstreamAttempts,
		p.ErrorsTotal,
		p.BytesTotal,
	)

	return p
}

// knownMethods lists the allowed method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded method label for Prometheus metrics.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

func (p *PrometheusCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	p.ConnectionsTotal.WithLabelValues(protocol).Inc()
	p.ActiveConnections.Inc()
	p.totalConnections.Add(1)
	p.activeCount.Add(1)
	return p.nextID.Add(1), nil
}

func (p *PrometheusCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	p.ActiveConnections.Dec()
	p.activeCount.Add(-1)
	p.ConnectionDuration.WithLabelValues(closeReason).Observe(duration.Seconds())
	return nil
}

func (p *PrometheusCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string) error {
	p.RequestsTotal.WithLabelValues(NormalizeMethod(method)).Inc()
	p.totalRequests.Add(1)
	return nil
}

func (p *PrometheusCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	p.ResponsesTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	return nil
}

func (p *PrometheusCollector) RecordUpstreamAttempt(ctx context.Context, connectionID int64, level int, upstream string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
		p.upstreamFailures.Add(1)
	}
	p.UpstreamAttempts.WithLabelValues(strconv.Itoa(level), result).Inc()
	return nil
}

func (p *PrometheusCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	p.ErrorsTotal.WithLabelValues(errorType).Inc()
	p.totalErrors.Add(1)
	return nil
}

func (p *PrometheusCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	if bytesSent > 0 {
		p.BytesTotal.WithLabelValues("out").Add(float64(bytesSent))
		p.bytesOut.Add(bytesSent)
	}
	if bytesReceived > 0 {
		p.BytesTotal.WithLabelValues("in").Add(float64(bytesReceived))
		p.bytesIn.Add(bytesReceived)
	}
	return nil
}

func (p *PrometheusCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{
		TotalConnections:  p.totalConnections.Load(),
		ActiveConnections: p.activeCount.Load(),
		TotalRequests:     p.totalRequests.Load(),
		TotalErrors:       p.totalErrors.Load(),
		UpstreamFailures:  p.upstreamFailures.Load(),
		TotalBytesIn:      p.bytesIn.Load(),
		TotalBytesOut:     p.bytesOut.Load(),
	}, nil
}

func (p *PrometheusCollector) HealthCheck(ctx context.Context) error {
	_, err := p.Registry.Gather()
	return err
}

func (p *PrometheusCollector) Close() error {
	return nil
}
