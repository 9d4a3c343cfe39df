package classifier

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/domain/threat"
)

const textPatternSystemPrompt = `You are a security analyst reviewing object-detector output from a surveillance camera.
Describe the scene in two or three sentences and state the threat level as one of CRITICAL, HIGH, MEDIUM or LOW.
List any recommended actions on separate lines starting with "- ".`

// levelPriority is the scan order for LevelFromText. The first token found
// wins, so "not CRITICAL, just LOW" resolves to CRITICAL.
var levelPriority = []threat.Level{
	threat.LevelCritical,
	threat.LevelHigh,
	threat.LevelMedium,
	threat.LevelLow,
}

// LevelFromText derives a level by plain substring search over the
// narrative. It is a crude fallback: any incidental occurrence of a token
// counts, and text with no token yields UNKNOWN.
func LevelFromText(text string) threat.Level {
	for _, level := range levelPriority {
		if strings.Contains(text, string(level)) {
			return level
		}
	}
	return threat.LevelUnknown
}

// TextPattern asks for free text and pattern-matches the threat level out of it.
type TextPattern struct {
	llm completer
	log zerolog.Logger
}

func NewTextPattern(llm completer, log zerolog.Logger) *TextPattern {
	return &TextPattern{llm: llm, log: log}
}

func (t *TextPattern) Classify(ctx context.Context, det threat.Detection, scene threat.SceneContext) (*threat.Verdict, error) {
	narrative, err := t.llm.Complete(ctx, textPatternSystemPrompt, describeDetection(det, scene), false)
	if err != nil {
		return nil, err
	}
	narrative = strings.TrimSpace(narrative)

	level := LevelFromText(narrative)
	if level == threat.LevelUnknown {
		t.log.Debug().Str("camera_id", det.CameraID).Msg("no threat level token in narrative")
	}

	return &threat.Verdict{
		Level:              level,
		Narrative:          narrative,
		RecommendedActions: extractActions(narrative),
		ShouldAlert:        level.Alerting(),
		Strategy:           "text_pattern",
	}, nil
}

func extractActions(text string) []string {
	actions := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			actions = append(actions, strings.TrimSpace(strings.TrimPrefix(line, "- ")))
		}
	}
	return actions
}
