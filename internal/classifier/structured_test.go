package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch-service/internal/config"
	"threatwatch-service/internal/domain/threat"
)

func TestParseStructured_Valid(t *testing.T) {
	verdict, err := ParseStructured(`{
		"threat_level": "critical",
		"confidence": 0.93,
		"description": "Person holding a rifle near the entrance",
		"reasoning": "weapon class at high confidence",
		"recommended_actions": ["Notify security", "Lock entrance"],
		"alert_security": true,
		"incident_category": "weapon"
	}`)
	require.NoError(t, err)

	assert.Equal(t, threat.LevelCritical, verdict.Level)
	require.NotNil(t, verdict.Confidence)
	assert.InDelta(t, 0.93, *verdict.Confidence, 1e-9)
	assert.Equal(t, "Person holding a rifle near the entrance", verdict.Narrative)
	assert.Equal(t, []string{"Notify security", "Lock entrance"}, verdict.RecommendedActions)
	assert.Equal(t, "weapon", verdict.Category)
	assert.True(t, verdict.ShouldAlert)
}

func TestParseStructured_ShouldAlert(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"high without flag", `{"threat_level": "HIGH"}`, true},
		{"low without flag", `{"threat_level": "LOW"}`, false},
		{"low with explicit alert", `{"threat_level": "LOW", "alert_security": true}`, true},
		{"medium with explicit no alert", `{"threat_level": "MEDIUM", "alert_security": false}`, false},
		{"none", `{"threat_level": "NONE", "alert_security": false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := ParseStructured(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict.ShouldAlert)
		})
	}
}

func TestParseStructured_CodeFence(t *testing.T) {
	verdict, err := ParseStructured("```json\n{\"threat_level\": \"MEDIUM\", \"confidence\": 0.5}\n```")
	require.NoError(t, err)
	assert.Equal(t, threat.LevelMedium, verdict.Level)
}

func TestParseStructured_Malformed(t *testing.T) {
	bodies := []string{
		"The scene looks HIGH risk.",
		`{"confidence": 0.5}`,
		`{"threat_level": "SEVERE"}`,
		`{"threat_level": "HIGH", "confidence": 1.7}`,
		`["HIGH"]`,
		`{"threat_level": "HIGH"} and also this is free text`,
		`{"threat_level": "HIGH"}{"threat_level": "LOW"}`,
		"```json\n{\"threat_level\": \"CRITICAL\"}\n```\nLet me know if you need more.",
	}
	for _, body := range bodies {
		_, err := ParseStructured(body)
		assert.ErrorIs(t, err, ErrClassification, body)
	}
}

func TestStructured_ClassifyOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "{\"threat_level\": \"LOW\", \"alert_security\": false, \"description\": \"person walking\"}"}}]}`))
	}))
	defer srv.Close()

	cls, err := New(config.ReasoningConfig{
		BaseURL:  srv.URL,
		APIKey:   "secret",
		Model:    "test",
		Strategy: config.StrategyStructured,
		Timeout:  time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	verdict, err := cls.Classify(context.Background(), threat.Detection{CameraID: "CAM-1"}, threat.SceneContext{TimeOfDay: "day"})
	require.NoError(t, err)
	assert.Equal(t, threat.LevelLow, verdict.Level)
	assert.False(t, verdict.ShouldAlert)
	assert.Equal(t, "person walking", verdict.Narrative)
}

func TestStructured_ReasoningServiceFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"no choices": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices": []}`))
		},
		"free text": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices": [{"message": {"content": "Looks fine to me"}}]}`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			s := NewStructured(NewLLMClient(config.ReasoningConfig{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}), zerolog.Nop())
			_, err := s.Classify(context.Background(), threat.Detection{CameraID: "CAM-1"}, threat.SceneContext{})
			assert.ErrorIs(t, err, ErrClassification)
		})
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New(config.ReasoningConfig{Strategy: "magic"}, zerolog.Nop())
	assert.Error(t, err)
}
