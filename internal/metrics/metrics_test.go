package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.FrameDone("alerted")
	m.FrameDone("alerted")
	m.StageFailed("detect")
	m.IncidentRecorded(true)
	m.IncidentRecorded(false)
	m.BroadcastDropped()
	m.ClientConnected()
	m.ObserveStage("classify", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("alerted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageFailures.WithLabelValues("detect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.created))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsClients))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.FrameDone("cleared")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `threatwatch_frames_total{outcome="cleared"} 1`)
}
