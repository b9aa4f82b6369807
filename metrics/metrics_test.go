package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "1xx", statusBucket(101))
	assert.Equal(t, "2xx", statusBucket(200))
	assert.Equal(t, "3xx", statusBucket(304))
	assert.Equal(t, "4xx", statusBucket(409))
	assert.Equal(t, "5xx", statusBucket(503))
}

func TestPrometheusRecorder(t *testing.T) {
	rec := New(true)
	m, ok := rec.(*Prometheus)
	require.True(t, ok)

	m.ObservePoll("ok", 20*time.Millisecond)
	m.ObservePoll("ok", 30*time.Millisecond)
	m.ObservePoll("transport_error", time.Second)
	m.AddMergedComments(3)
	m.SetActivePollers(2)
	m.IncRequests("/counters", 200)
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncNotifyFailures("nats")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pollsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollsTotal.WithLabelValues("transport_error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mergedComments))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activePollers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/counters", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyFailures.WithLabelValues("nats")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	rec := New(true)
	rec.SetActivePollers(4)

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtsync_active_pollers 4")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNopRecorder(t *testing.T) {
	rec := New(false)
	_, ok := rec.(Nop)
	assert.True(t, ok)

	rec.ObservePoll("ok", time.Second)
	rec.IncRequests("/health", 200)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
