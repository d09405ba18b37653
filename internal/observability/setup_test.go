package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/usage_tracker/internal/config"
)

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	p.RecordEvent("completed")
	p.RecordBatch("w1", time.Second)
	p.RecordQueueFailure()
	p.RecordAggregationWindow("hour", "ok")
	assert.Nil(t, p.PrometheusHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupDisabledReturnsNil(t *testing.T) {
	p, err := Setup(context.Background(), config.ObservabilityConfig{}, "test")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMetricsAreExposed(t *testing.T) {
	p, err := Setup(context.Background(), config.ObservabilityConfig{EnableMetrics: true}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.RecordEvent("completed")
	p.RecordEvent("dead_lettered")
	p.RecordQueueDepth(3, 1)

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `usage_tracker_events_processed_total{outcome="completed"} 1`)
	assert.Contains(t, string(body), `usage_tracker_queue_depth{list="primary"} 3`)
}
