package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyCollector(t *testing.T) {
	ctx := context.Background()
	c := NewDummyCollector()

	id, err := c.StartConnection(ctx, "uuid", "127.0.0.1", "example.com", 80, ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.NoError(t, c.RecordUpstreamAttempt(ctx, id, 0, "direct", true))
	assert.NoError(t, c.EndConnection(ctx, id, 1, 2, time.Second, "normal"))

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &OverviewStats{}, overview)
	assert.NoError(t, c.HealthCheck(ctx))
	assert.NoError(t, c.Close())
}

func TestSQLiteCollector(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.HealthCheck(ctx))

	id, err := c.StartConnection(ctx, "conn-1", "127.0.0.1", "example.com", 443, ProtocolTunnel)
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, c.RecordHTTPRequest(ctx, id, "CONNECT", "example.com:443", "example.com", ""))
	require.NoError(t, c.RecordUpstreamAttempt(ctx, id, 0, "http://proxy-main-entry:8085", false))
	require.NoError(t, c.RecordUpstreamAttempt(ctx, id, 1, "direct", true))
	require.NoError(t, c.RecordHTTPResponse(ctx, id, 200, 0))
	require.NoError(t, c.RecordError(ctx, id, "E2001", "dial failed"))
	require.NoError(t, c.RecordDataTransfer(ctx, id, 100, 50))

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)
	assert.Equal(t, int64(1), overview.ActiveConnections)
	assert.Equal(t, int64(1), overview.TotalRequests)
	assert.Equal(t, int64(1), overview.TotalErrors)
	assert.Equal(t, int64(1), overview.UpstreamFailures)
	assert.Equal(t, int64(100), overview.TotalBytesOut)
	assert.Equal(t, int64(50), overview.TotalBytesIn)

	require.NoError(t, c.EndConnection(ctx, id, 300, 200, 2*time.Second, "normal"))

	overview, err = c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(300), overview.TotalBytesOut)
	assert.Equal(t, int64(200), overview.TotalBytesIn)
}

func TestSQLiteCollectorReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")

	c, err := NewSQLiteCollector(path)
	require.NoError(t, err)
	_, err = c.StartConnection(ctx, "conn-1", "127.0.0.1", "example.com", 80, ProtocolHTTP)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewSQLiteCollector(path)
	require.NoError(t, err, "schema creation must be idempotent")
	defer func() { _ = c.Close() }()

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)
}

func metricFamilyNames(t *testing.T, p *PrometheusCollector) map[string]bool {
	t.Helper()
	families, err := p.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestPrometheusCollector(t *testing.T) {
	ctx := context.Background()
	p := NewPrometheusCollector()

	id1, err := p.StartConnection(ctx, "a", "127.0.0.1", "example.com", 80, ProtocolHTTP)
	require.NoError(t, err)
	id2, err := p.StartConnection(ctx, "b", "127.0.0.1", "example.com", 443, ProtocolTunnel)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, p.RecordHTTPRequest(ctx, id1, "GET", "http://example.com/", "example.com", "ua"))
	require.NoError(t, p.RecordHTTPRequest(ctx, id2, "BREW", "example.com:443", "example.com", ""))
	require.NoError(t, p.RecordUpstreamAttempt(ctx, id1, 0, "direct", false))
	require.NoError(t, p.RecordUpstreamAttempt(ctx, id1, 1, "direct", true))
	require.NoError(t, p.RecordHTTPResponse(ctx, id1, 200, 10))
	require.NoError(t, p.RecordError(ctx, id2, "E2002", "timeout"))
	require.NoError(t, p.RecordDataTransfer(ctx, id1, 42, 7))
	require.NoError(t, p.EndConnection(ctx, id1, 42, 7, time.Second, "normal"))

	overview, err := p.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), overview.TotalConnections)
	assert.Equal(t, int64(1), overview.ActiveConnections)
	assert.Equal(t, int64(2), overview.TotalRequests)
	assert.Equal(t, int64(1), overview.TotalErrors)
	assert.Equal(t, int64(1), overview.UpstreamFailures)
	assert.Equal(t, int64(42), overview.TotalBytesOut)
	assert.Equal(t, int64(7), overview.TotalBytesIn)

	names := metricFamilyNames(t, p)
	for _, name := range []string{
		"proxybridge_connections_total",
		"proxybridge_active_connections",
		"proxybridge_connection_duration_seconds",
		"proxybridge_requests_total",
		"proxybridge_responses_total",
		"proxybridge_upstream_attempts_total",
		"proxybridge_errors_total",
		"proxybridge_client_bytes_total",
	} {
		assert.True(t, names[name], "expected %s in gathered metrics", name)
	}
	assert.NoError(t, p.HealthCheck(ctx))
}

func TestNormalizeMethod(t *testing.T) {
	assert.Equal(t, "GET", NormalizeMethod("GET"))
	assert.Equal(t, "CONNECT", NormalizeMethod("CONNECT"))
	assert.Equal(t, "other", NormalizeMethod("get"))
	assert.Equal(t, "other", NormalizeMethod(""))
}

func TestCreateCollector(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StatisticsConfig
		want    string
		wantErr bool
	}{
		{"disabled", config.StatisticsConfig{Enabled: false, Backend: "prometheus"}, "*stats.DummyCollector", false},
		{"dummy", config.StatisticsConfig{Enabled: true, Backend: "dummy"}, "*stats.DummyCollector", false},
		{"prometheus", config.StatisticsConfig{Enabled: true, Backend: "prometheus"}, "*stats.PrometheusCollector", false},
		{"sqlite", config.StatisticsConfig{Enabled: true, Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")}, "*stats.SQLiteCollector", false},
		{"postgres without dsn", config.StatisticsConfig{Enabled: true, Backend: "postgres"}, "", true},
		{"unknown", config.StatisticsConfig{Enabled: true, Backend: "mongo"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CreateCollector(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = c.Close() }()
			assert.Equal(t, tt.want, fmt.Sprintf("%T", c))
		})
	}
}

func TestMetricsServer(t *testing.T) {
	p := NewPrometheusCollector()
	_, err := p.StartConnection(context.Background(), "a", "127.0.0.1", "example.com", 80, ProtocolHTTP)
	require.NoError(t, err)

	m, err := StartMetricsServer("127.0.0.1:0", p)
	require.NoError(t, err)
	require.NotNil(t, m)
	defer func() { _ = m.Shutdown(context.Background()) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", m.Addr()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `proxybridge_connections_total{protocol="http"} 1`)

	health, err := http.Get(fmt.Sprintf("http://%s/healthz", m.Addr()))
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestMetricsServerSkipsNonExporters(t *testing.T) {
	m, err := StartMetricsServer("127.0.0.1:0", NewDummyCollector())
	require.NoError(t, err)
	assert.Nil(t, m)
}
