package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IngestAttempt("completed")
	m.IngestAttempt("completed")
	m.IngestAttempt("failed")
	m.ChatTurn("done")
	m.QueueDelivery("acked")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestAttempts.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestAttempts.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chatTurns.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDeliveries.WithLabelValues("acked")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IngestAttempt("completed")
	m.ObserveStage("embedding", time.Second)
	m.ObserveFirstToken(time.Millisecond)
	m.ObserveRetrieval(3)
	m.ChatTurn("error")
	m.QueueDelivery("retried")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveStage("chunking", 20*time.Millisecond)
	m.ObserveRetrieval(5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "contexta_ingest_stage_duration_seconds"))
	assert.True(t, strings.Contains(body, "contexta_retrieval_results"))
}
