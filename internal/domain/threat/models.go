package threat

import (
	"encoding/json"
	"strings"
	"time"
)

type Level string

const (
	LevelNone     Level = "NONE"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
	LevelUnknown  Level = "UNKNOWN"
)

// ParseLevel normalizes a level name. The second return is false for
// anything outside the fixed set.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelNone:
		return LevelNone, true
	case LevelLow:
		return LevelLow, true
	case LevelMedium:
		return LevelMedium, true
	case LevelHigh:
		return LevelHigh, true
	case LevelCritical:
		return LevelCritical, true
	case LevelUnknown:
		return LevelUnknown, true
	}
	return LevelUnknown, false
}

// Severity is the lower-case incident severity derived from the level.
func (l Level) Severity() string {
	return strings.ToLower(string(l))
}

// Alerting reports whether the level alone crosses the alert threshold.
func (l Level) Alerting() bool {
	return l == LevelHigh || l == LevelCritical
}

type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type DetectedObject struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

// DetectorAlert is an alert annotation raised by the detector itself,
// for example when a weapon class is seen.
type DetectorAlert struct {
	Type       string  `json:"type"`
	Class      string  `json:"class,omitempty"`
	Message    string  `json:"message,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Detection is one detector inference result for one frame.
type Detection struct {
	CameraID   string           `json:"camera_id"`
	CapturedAt time.Time        `json:"captured_at"`
	Objects    []DetectedObject `json:"objects"`
	Alerts     []DetectorAlert  `json:"alerts"`
	Stats      map[string]any   `json:"stats,omitempty"`
	Raw        json.RawMessage  `json:"-"`
}

func (d *Detection) Classes() []string {
	classes := make([]string, 0, len(d.Objects))
	for _, o := range d.Objects {
		classes = append(classes, o.Class)
	}
	return classes
}

type SceneContext struct {
	TimeOfDay    string         `json:"time_of_day,omitempty"`
	CrowdDensity string         `json:"crowd_density,omitempty"`
	Weather      string         `json:"weather,omitempty"`
	Location     string         `json:"location,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Verdict is the normalized classification of a detection. Confidence is nil
// for the text-pattern strategy.
type Verdict struct {
	Level              Level    `json:"threat_level"`
	Confidence         *float64 `json:"confidence,omitempty"`
	Narrative          string   `json:"narrative"`
	Reasoning          string   `json:"reasoning,omitempty"`
	RecommendedActions []string `json:"recommended_actions"`
	Category           string   `json:"incident_category,omitempty"`
	ShouldAlert        bool     `json:"should_alert"`
	Strategy           string   `json:"strategy"`
}

type FrameRef struct {
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

type Incident struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	ReportedBy  string    `json:"reported_by"`
	ThreatLevel Level     `json:"threat_level"`
	Narrative   string    `json:"narrative"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Frame       *FrameRef `json:"frame,omitempty"`
}

type Alert struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	AlertType  string    `json:"alert_type"`
	Message    string    `json:"message"`
	Confidence *float64  `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateIncidentInput carries everything the incident store needs to record
// an alert-worthy detection exactly once.
type CreateIncidentInput struct {
	IdempotencyKey string
	CameraID       string
	ReportedBy     string
	Title          string
	Description    string
	Verdict        Verdict
	Detection      Detection
	Frame          *FrameRef

	AlertType       string
	AlertMessage    string
	AlertConfidence *float64
}

type CreateIncidentResult struct {
	Incident Incident
	Alert    Alert
	Created  bool
}

// RecentEvent is the lightweight projection kept in the recent-events cache
// and pushed to live dashboards.
type RecentEvent struct {
	IncidentID  int64     `json:"incident_id"`
	CameraID    string    `json:"camera_id"`
	Timestamp   time.Time `json:"timestamp"`
	ThreatLevel Level     `json:"threat_level"`
	Narrative   string    `json:"narrative"`
}

func RecentEventFromIncident(inc Incident) RecentEvent {
	return RecentEvent{
		IncidentID:  inc.ID,
		CameraID:    inc.Location,
		Timestamp:   inc.CreatedAt,
		ThreatLevel: inc.ThreatLevel,
		Narrative:   inc.Narrative,
	}
}

const EventNewAlert = "new-alert"

type LiveEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type AlertEventData struct {
	RecentEvent
	Incident Incident `json:"incident"`
	Alert    Alert    `json:"alert"`
}

type Outcome string

const (
	OutcomeAlerted Outcome = "alerted"
	OutcomeCleared Outcome = "cleared"
)

type ProcessResult struct {
	Outcome   Outcome   `json:"outcome"`
	Verdict   Verdict   `json:"verdict"`
	Detection Detection `json:"detection"`
	Incident  *Incident `json:"incident,omitempty"`
	Alert     *Alert    `json:"alert,omitempty"`
	Created   *bool     `json:"created,omitempty"`
	Frame     *FrameRef `json:"frame,omitempty"`
}
