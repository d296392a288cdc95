package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	server := setupTestServer(t, WithMetrics(m))
	assert.Equal(t, http.StatusOK, get(t, server, "/api/v1/jobs/alpha").Code)
	assert.Equal(t, http.StatusOK, get(t, server, "/api/v1/jobs/beta").Code)
	assert.Equal(t, http.StatusNotFound, get(t, server, "/api/v1/jobs/missing").Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byStatus := map[int64]int64{}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name != "tabledoc.http.requests_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				endpoint, _ := dp.Attributes.Value("endpoint")
				assert.Equal(t, "/api/v1/jobs/:id", endpoint.AsString())
				status, _ := dp.Attributes.Value("status")
				byStatus[status.AsInt64()] += dp.Value
			}
		}
	}

	assert.True(t, found["tabledoc.http.request_duration_seconds"])
	assert.True(t, found["tabledoc.http.active_requests"])
	assert.Equal(t, map[int64]int64{200: 2, 404: 1}, byStatus)
}

func TestRouteOf_Unmatched(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	server := setupTestServer(t, WithMetrics(NewHTTPMetrics(mp.Meter("test"), nil)))

	assert.Equal(t, http.StatusNotFound, get(t, server, "/nope").Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
}
