package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"threatwatch-service/internal/broadcast"
	"threatwatch-service/internal/config"
	"threatwatch-service/internal/detector"
	"threatwatch-service/internal/domain/threat"
	"threatwatch-service/internal/repository"
	"threatwatch-service/internal/service"
)

const testSecret = "test-secret"

type fakeProcessor struct {
	result *threat.ProcessResult
	err    error
	last   service.FrameSubmission
}

func (p *fakeProcessor) Process(_ context.Context, sub service.FrameSubmission) (*threat.ProcessResult, error) {
	p.last = sub
	return p.result, p.err
}

type fakeQueries struct {
	list    *service.ListResult
	details *repository.IncidentDetails
	err     error
	last    service.ListQuery
}

func (q *fakeQueries) ListRecent(_ context.Context, lq service.ListQuery) (*service.ListResult, error) {
	q.last = lq
	return q.list, q.err
}

func (q *fakeQueries) GetIncident(_ context.Context, _ int64) (*repository.IncidentDetails, error) {
	if q.details == nil && q.err == nil {
		return nil, service.ErrNotFound
	}
	return q.details, q.err
}

type fakeProbe struct {
	status *detector.HealthStatus
	err    error
}

func (p *fakeProbe) Health(context.Context) (*detector.HealthStatus, error) { return p.status, p.err }

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	router    *gin.Engine
	processor *fakeProcessor
	queries   *fakeQueries
	probe     *fakeProbe
	pinger    *fakePinger
	hub       *broadcast.Hub
	verifier  *TokenVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Pipeline: config.PipelineConfig{MaxFrameBytes: 1024}}
	hub := broadcast.NewHub(config.BroadcastConfig{
		QueueSize:    16,
		ClientBuffer: 16,
		PingInterval: time.Minute,
		ReadTimeout:  time.Minute,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		hub.Close()
		cancel()
	})

	env := &testEnv{
		processor: &fakeProcessor{},
		queries:   &fakeQueries{},
		probe:     &fakeProbe{},
		pinger:    &fakePinger{},
		hub:       hub,
		verifier:  NewTokenVerifier(testSecret),
	}
	h := NewHandler(env.processor, env.queries, env.probe, env.pinger, hub, env.verifier, cfg, zerolog.Nop())

	r := gin.New()
	r.Use(RequestID(), RequestContext(), Recovery())
	h.Register(r, AuthMiddleware(env.verifier))
	env.router = r
	return env
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	tok, err := e.verifier.Issue("operator-1", time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestIngestFrame_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"camera_id":"cam-1","frame":"abc"}`)

	w := env.do(t, http.MethodPost, "/api/v1/detections/frame", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/detections/frame", body, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := NewTokenVerifier("other-secret")
	forged, err := other.Issue("operator-1", time.Hour)
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/api/v1/detections/frame", body, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestFrame_Alerted(t *testing.T) {
	env := newTestEnv(t)
	created := true
	env.processor.result = &threat.ProcessResult{
		Outcome:  threat.OutcomeAlerted,
		Verdict:  threat.Verdict{Level: threat.LevelHigh, ShouldAlert: true},
		Incident: &threat.Incident{ID: 11, Location: "cam-1", ThreatLevel: threat.LevelHigh},
		Alert:    &threat.Alert{ID: 3, IncidentID: 11},
		Created:  &created,
		Frame:    &threat.FrameRef{Path: "cam-1/20250301/x.png"},
	}

	body := []byte(`{"camera_id":"cam-1","frame":"abc","captured_at":"2025-03-01T22:00:00Z","scene":{"crowd_density":"low"}}`)
	w := env.do(t, http.MethodPost, "/api/v1/detections/frame", body, map[string]string{
		"Authorization":   "Bearer " + env.token(t),
		"Idempotency-Key": "retry-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "alerted", resp["outcome"])
	assert.Equal(t, true, resp["created"])
	assert.Equal(t, float64(11), resp["incident"].(map[string]any)["id"])
	assert.Equal(t, "cam-1/20250301/x.png", resp["frame_ref"].(map[string]any)["path"])
	stats := resp["stats"].(map[string]any)
	assert.Contains(t, stats, "processing_time_ms")
	assert.Contains(t, stats, "fps")

	sub := env.processor.last
	assert.Equal(t, "cam-1", sub.CameraID)
	assert.Equal(t, "operator-1", sub.ReportedBy)
	assert.Equal(t, "retry-1", sub.IdempotencyToken)
	assert.Equal(t, "low", sub.Scene.CrowdDensity)
	assert.Equal(t, time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC), sub.CapturedAt.UTC())
}

func TestIngestFrame_Cleared(t *testing.T) {
	env := newTestEnv(t)
	env.processor.result = &threat.ProcessResult{
		Outcome: threat.OutcomeCleared,
		Verdict: threat.Verdict{Level: threat.LevelNone},
	}

	w := env.do(t, http.MethodPost, "/api/v1/detections/frame", []byte(`{"camera_id":"cam-1","frame":"abc","idempotency_key":"k-1"}`),
		map[string]string{"Authorization": "Bearer " + env.token(t), "Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "cleared", resp["outcome"])
	assert.NotContains(t, resp, "incident")
	assert.NotContains(t, resp, "created")
	assert.Equal(t, "k-1", env.processor.last.IdempotencyToken)
}

func TestIngestFrame_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		stage      string
		dependency string
	}{
		{name: "invalid", err: fmt.Errorf("%w: camera_id is required", service.ErrInvalidInput), status: http.StatusBadRequest},
		{name: "too large", err: fmt.Errorf("%w: too big", service.ErrPayloadTooLarge), status: http.StatusRequestEntityTooLarge},
		{
			name:       "detector down",
			err:        &service.PipelineError{Stage: service.StageDetect, Err: errors.New("refused")},
			status:     http.StatusServiceUnavailable,
			stage:      "detect",
			dependency: "detector",
		},
		{
			name:       "reasoning failed",
			err:        &service.PipelineError{Stage: service.StageClassify, Err: errors.New("bad json")},
			status:     http.StatusServiceUnavailable,
			stage:      "classify",
			dependency: "reasoning",
		},
		{
			name:       "store down",
			err:        &service.PipelineError{Stage: service.StagePersist, Err: repository.ErrPersistence},
			status:     http.StatusServiceUnavailable,
			stage:      "persist",
			dependency: "storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.processor.err = tt.err

			w := env.do(t, http.MethodPost, "/api/v1/detections/frame", []byte(`{"camera_id":"cam-1","frame":"abc"}`),
				map[string]string{"Authorization": "Bearer " + env.token(t)})
			require.Equal(t, tt.status, w.Code)

			resp := decode(t, w)
			assert.NotEmpty(t, resp["error"])
			if tt.stage != "" {
				assert.Equal(t, tt.stage, resp["stage"])
				assert.Equal(t, tt.dependency, resp["dependency"])
			}
		})
	}
}

func TestIngestFrame_BodyOverLimit(t *testing.T) {
	env := newTestEnv(t)
	frame := strings.Repeat("A", 1024+bodySlack+1)
	body := []byte(`{"camera_id":"cam-1","frame":"` + frame + `"}`)

	w := env.do(t, http.MethodPost, "/api/v1/detections/frame", body, map[string]string{"Authorization": "Bearer " + env.token(t)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestIngestFrame_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/detections/frame", []byte(`{"camera_id":`), map[string]string{"Authorization": "Bearer " + env.token(t)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListIncidents(t *testing.T) {
	env := newTestEnv(t)
	env.queries.list = &service.ListResult{
		Source: service.SourceCache,
		Events: []threat.RecentEvent{{IncidentID: 2, CameraID: "cam-1"}, {IncidentID: 1, CameraID: "cam-1"}},
	}

	w := env.do(t, http.MethodGet, "/api/v1/incidents?limit=2&offset=-4&camera_id=cam-1&from=2025-03-01T00:00:00Z", nil,
		map[string]string{"Authorization": "Bearer " + env.token(t)})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "cache", resp["source"])
	assert.Len(t, resp["data"], 2)

	q := env.queries.last
	assert.Equal(t, 2, q.Limit)
	assert.Equal(t, 0, q.Offset)
	require.NotNil(t, q.CameraID)
	assert.Equal(t, "cam-1", *q.CameraID)
	require.NotNil(t, q.From)
	assert.Nil(t, q.To)
}

func TestListIncidents_InvalidRange(t *testing.T) {
	env := newTestEnv(t)
	env.queries.err = fmt.Errorf("%w: invalid from time format", service.ErrInvalidInput)

	w := env.do(t, http.MethodGet, "/api/v1/incidents?from=yesterday", nil, map[string]string{"Authorization": "Bearer " + env.token(t)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetIncident(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": "Bearer " + env.token(t)}

	w := env.do(t, http.MethodGet, "/api/v1/incidents/abc", nil, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/incidents/42", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.queries.details = &repository.IncidentDetails{
		Incident: threat.Incident{ID: 42, Title: "HIGH threat detected on cam-1"},
		Alert:    &threat.Alert{ID: 5, IncidentID: 42},
	}
	w = env.do(t, http.MethodGet, "/api/v1/incidents/42", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(42), data["incident"].(map[string]any)["id"])
	assert.Equal(t, float64(5), data["alert"].(map[string]any)["id"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.probe.status = &detector.HealthStatus{Status: "online", Latency: 12 * time.Millisecond}
	w = env.do(t, http.MethodGet, "/api/v1/health/detector", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "online", resp["status"])
	assert.Equal(t, float64(12), resp["latency_ms"])

	env.probe.err = detector.ErrUnavailable
	w = env.do(t, http.MethodGet, "/api/v1/health/detector", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.pinger.err = errors.New("connection refused")
	w = env.do(t, http.MethodGet, "/api/v1/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage", decode(t, w)["dependency"])
}

func TestLiveStream_RejectsUnauthenticatedHandshake(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/ws", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/ws?token=garbage", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestLiveStream_DeliversAlerts(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?token=" + env.token(t)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	var hello threat.LiveEvent
	require.NoError(t, json.Unmarshal(msg, &hello))
	assert.Equal(t, "hello", hello.Type)

	env.hub.Broadcast(threat.LiveEvent{
		Type: threat.EventNewAlert,
		Data: threat.AlertEventData{RecentEvent: threat.RecentEvent{IncidentID: 9, CameraID: "cam-1", ThreatLevel: threat.LevelCritical}},
	})

	_, msg, err = conn.Read(ctx)
	require.NoError(t, err)
	var evt struct {
		Type string             `json:"type"`
		Data threat.RecentEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, threat.EventNewAlert, evt.Type)
	assert.Equal(t, int64(9), evt.Data.IncidentID)
	assert.Equal(t, threat.LevelCritical, evt.Data.ThreatLevel)
}
