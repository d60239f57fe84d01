package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", true)
	m.ObserveRetry("GET")
	m.ObserveStored("users", 3)
	m.ObserveJob("propagate", "success")
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Push(context.Background(), "http://unused", "job"))
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("POST", true)
	m.ObserveRequest("POST", false)
	m.ObserveRetry("POST")
	m.ObserveStored("users", 2)
	m.ObserveStored("users", 0)
	m.ObserveJob("migrate", "failure")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("POST", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("POST", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRetries.WithLabelValues("POST")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Items.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobResults.WithLabelValues("migrate", "failure")))
}

func TestPushSendsToGateway(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.ObserveJob("update", "success")
	require.NoError(t, m.Push(context.Background(), srv.URL, "update"))
	assert.True(t, strings.HasSuffix(path, "/metrics/job/update"), path)
}
