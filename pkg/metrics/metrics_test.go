package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_Creation(t *testing.T) {
	m := New()
	require.NotNil(t, m.FileOpsRunning)
	require.NotNil(t, m.PoolOpsState)
	require.NotNil(t, m.CheckpointLatency)

	m.FileOpsTerminated.WithLabelValues("done").Inc()
	m.FileOpsTerminated.WithLabelValues("done").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FileOpsTerminated.WithLabelValues("done")))

	// Two instances must not collide on registration.
	assert.NotPanics(t, func() { New() })
}

func TestHealthEndpoint_Handlers(t *testing.T) {
	m := New()
	endpoint := NewHealthEndpoint(m, zap.NewNop())
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	t.Run("Health", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	})

	t.Run("Liveness", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		m.TopologyPools.Set(7)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "resilience_topology_pools 7"))
	})

	t.Run("NotReady", func(t *testing.T) {
		endpoint.AddCheck("topology", func() error { return errors.New("not loaded") })

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "not loaded")
	})
}

func TestStartServer_Disabled(t *testing.T) {
	assert.Nil(t, StartServer("", NewHealthEndpoint(New(), nil), nil))
}
