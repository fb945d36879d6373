package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest("erasure", "complete_with_errors", 1.5)
	m.ObserveNode("erasure", OutcomeSkipped)
	m.ObserveNode("erasure", OutcomeSkipped)
	m.NodeStarted("app_db")
	m.NodeStarted("app_db")
	m.NodeFinished("app_db")
	m.ObserveConnectionTest("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("erasure", "complete_with_errors")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodesTotal.WithLabelValues("erasure", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesInFlight.WithLabelValues("app_db")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `privacy_requests_total{action="erasure",status="complete_with_errors"} 1`))
	assert.Contains(t, body, "privacy_connection_tests_total")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("access", "complete", 1)
	m.ObserveNode("access", OutcomeComplete)
	m.NodeStarted("x")
	m.NodeFinished("x")
	m.ObserveConnectionTest("failed")
}
