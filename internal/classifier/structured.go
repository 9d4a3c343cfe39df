package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/domain/threat"
)

const structuredSystemPrompt = `You are a security analyst reviewing object-detector output from a surveillance camera.
Respond with a single JSON object and nothing else, using exactly these fields:
{"threat_level": "NONE|LOW|MEDIUM|HIGH|CRITICAL",
 "confidence": number between 0 and 1,
 "description": "short narrative of the scene",
 "reasoning": "why this level was chosen",
 "recommended_actions": ["..."],
 "alert_security": true|false,
 "incident_category": "weapon|intrusion|crowd|suspicious_activity|other"}`

type structuredResponse struct {
	ThreatLevel        *string  `json:"threat_level"`
	Confidence         *float64 `json:"confidence"`
	Description        string   `json:"description"`
	Reasoning          string   `json:"reasoning"`
	RecommendedActions []string `json:"recommended_actions"`
	AlertSecurity      *bool    `json:"alert_security"`
	IncidentCategory   string   `json:"incident_category"`
}

// Structured asks the reasoning service for a JSON verdict and validates it.
type Structured struct {
	llm completer
	log zerolog.Logger
}

func NewStructured(llm completer, log zerolog.Logger) *Structured {
	return &Structured{llm: llm, log: log}
}

func (s *Structured) Classify(ctx context.Context, det threat.Detection, scene threat.SceneContext) (*threat.Verdict, error) {
	content, err := s.llm.Complete(ctx, structuredSystemPrompt, describeDetection(det, scene), true)
	if err != nil {
		return nil, err
	}

	verdict, err := ParseStructured(content)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("camera_id", det.CameraID).
			Msg("reasoning service returned an unusable verdict")
		return nil, err
	}
	return verdict, nil
}

// ParseStructured validates a JSON verdict. Markdown code fences around the
// object are tolerated; anything else that is not the expected object fails.
func ParseStructured(content string) (*threat.Verdict, error) {
	body := stripCodeFence(content)

	var resp structuredResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: verdict is not a JSON object: %w", ErrClassification, err)
	}

	if resp.ThreatLevel == nil {
		return nil, fmt.Errorf("%w: threat_level missing", ErrClassification)
	}
	level, ok := threat.ParseLevel(*resp.ThreatLevel)
	if !ok {
		return nil, fmt.Errorf("%w: unknown threat_level %q", ErrClassification, *resp.ThreatLevel)
	}
	if resp.Confidence != nil && (*resp.Confidence < 0 || *resp.Confidence > 1) {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrClassification, *resp.Confidence)
	}

	shouldAlert := level.Alerting()
	if resp.AlertSecurity != nil && *resp.AlertSecurity {
		shouldAlert = true
	}

	actions := resp.RecommendedActions
	if actions == nil {
		actions = []string{}
	}

	return &threat.Verdict{
		Level:              level,
		Confidence:         resp.Confidence,
		Narrative:          strings.TrimSpace(resp.Description),
		Reasoning:          strings.TrimSpace(resp.Reasoning),
		RecommendedActions: actions,
		Category:           resp.IncidentCategory,
		ShouldAlert:        shouldAlert,
		Strategy:           "structured",
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
