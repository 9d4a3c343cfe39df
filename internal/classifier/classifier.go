package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/config"
	"threatwatch-service/internal/domain/threat"
)

// ErrClassification means no verdict could be produced. It is never
// reported as a clear scene.
var ErrClassification = errors.New("classification failed")

type Classifier interface {
	Classify(ctx context.Context, det threat.Detection, scene threat.SceneContext) (*threat.Verdict, error)
}

type completer interface {
	Complete(ctx context.Context, system, user string, jsonMode bool) (string, error)
}

// New builds the strategy selected by cfg.Strategy.
func New(cfg config.ReasoningConfig, log zerolog.Logger) (Classifier, error) {
	llm := NewLLMClient(cfg)
	switch cfg.Strategy {
	case config.StrategyStructured:
		return NewStructured(llm, log), nil
	case config.StrategyTextPattern:
		return NewTextPattern(llm, log), nil
	}
	return nil, fmt.Errorf("unknown classifier strategy %q", cfg.Strategy)
}

func describeDetection(det threat.Detection, scene threat.SceneContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Camera: %s\n", det.CameraID)
	fmt.Fprintf(&b, "Captured at: %s\n", det.CapturedAt.Format("2006-01-02 15:04:05 MST"))

	if len(det.Objects) == 0 {
		b.WriteString("Detected objects: none\n")
	} else {
		b.WriteString("Detected objects:\n")
		for _, o := range det.Objects {
			fmt.Fprintf(&b, "- %s (confidence %.2f) at [%.0f, %.0f, %.0f, %.0f]\n",
				o.Class, o.Confidence, o.Box.X1, o.Box.Y1, o.Box.X2, o.Box.Y2)
		}
	}
	if len(det.Alerts) > 0 {
		b.WriteString("Detector alerts:\n")
		for _, a := range det.Alerts {
			msg := a.Message
			if msg == "" {
				msg = a.Class
			}
			fmt.Fprintf(&b, "- %s: %s\n", a.Type, msg)
		}
	}

	b.WriteString("Scene context:\n")
	writeField(&b, "time of day", scene.TimeOfDay)
	writeField(&b, "crowd density", scene.CrowdDensity)
	writeField(&b, "weather", scene.Weather)
	writeField(&b, "location", scene.Location)
	for k, v := range scene.Extra {
		fmt.Fprintf(&b, "- %s: %v\n", k, v)
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		value = "unknown"
	}
	fmt.Fprintf(b, "- %s: %s\n", name, value)
}
