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

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("ping", OutcomeOK, time.Millisecond)
	m.SetQueueDepth(3)
	m.IncStrayReplies()
	m.IncDecodeErrors()
	m.SetReady(true)
	m.SetGeneration(2)
	m.IncRestarts()
	m.AddUploadBytes(10)
	m.SetFeedClients(1)
}

func TestObserveRequestCounts(t *testing.T) {
	m := New()
	m.ObserveRequest("process", OutcomeOK, 20*time.Millisecond)
	m.ObserveRequest("process", OutcomeOK, 30*time.Millisecond)
	m.ObserveRequest("process", OutcomeTimeout, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("process", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("process", OutcomeTimeout)))
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.SetReady(true)
	m.SetQueueDepth(4)
	m.IncRestarts()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "licenseai_worker_ready 1")
	assert.Contains(t, text, "licenseai_broker_queue_depth 4")
	assert.Contains(t, text, "licenseai_worker_restarts_total 1")
}
