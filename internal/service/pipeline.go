package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/domain/threat"
	"threatwatch-service/internal/utils"
)

type FrameStore interface {
	Save(ctx context.Context, cameraID string, frame *utils.DecodedFrame, capturedAt time.Time) (*threat.FrameRef, error)
}

type Detector interface {
	Detect(ctx context.Context, frame []byte, cameraID string, capturedAt time.Time) (*threat.Detection, error)
}

type Classifier interface {
	Classify(ctx context.Context, det threat.Detection, scene threat.SceneContext) (*threat.Verdict, error)
}

type IncidentStore interface {
	CreateIncidentIfAbsent(ctx context.Context, in threat.CreateIncidentInput) (*threat.CreateIncidentResult, error)
}

type EventCache interface {
	Push(e threat.RecentEvent)
}

type Broadcaster interface {
	Broadcast(evt threat.LiveEvent)
}

type StageRecorder interface {
	ObserveStage(stage string, d time.Duration)
	StageFailed(stage string)
	FrameDone(outcome string)
	IncidentRecorded(created bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) StageFailed(string)                 {}
func (nopRecorder) FrameDone(string)                   {}
func (nopRecorder) IncidentRecorded(bool)              {}

const SystemReporter = "system"

type PipelineConfig struct {
	MaxFrameBytes     int
	IdempotencyBucket time.Duration
}

// FrameSubmission is one frame handed to the pipeline.
type FrameSubmission struct {
	CameraID         string
	Frame            string
	CapturedAt       time.Time
	IdempotencyToken string
	Scene            threat.SceneContext
	ReportedBy       string
}

// Pipeline runs store frame -> detect -> classify -> persist -> cache ->
// broadcast for each submitted frame. Frames are independent; the incident
// store's idempotency key is the only guard against duplicate incidents.
type Pipeline struct {
	frames      FrameStore
	detector    Detector
	classifier  Classifier
	incidents   IncidentStore
	cache       EventCache
	broadcaster Broadcaster
	recorder    StageRecorder
	cfg         PipelineConfig
	log         zerolog.Logger
	now         func() time.Time
}

func NewPipeline(
	frames FrameStore,
	detector Detector,
	classifier Classifier,
	incidents IncidentStore,
	cache EventCache,
	broadcaster Broadcaster,
	cfg PipelineConfig,
	log zerolog.Logger,
) *Pipeline {
	if cfg.IdempotencyBucket <= 0 {
		cfg.IdempotencyBucket = time.Second
	}
	return &Pipeline{
		frames:      frames,
		detector:    detector,
		classifier:  classifier,
		incidents:   incidents,
		cache:       cache,
		broadcaster: broadcaster,
		recorder:    nopRecorder{},
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

func (p *Pipeline) WithRecorder(r StageRecorder) *Pipeline {
	if r != nil {
		p.recorder = r
	}
	return p
}

func (p *Pipeline) Process(ctx context.Context, sub FrameSubmission) (*threat.ProcessResult, error) {
	sub.CameraID = strings.TrimSpace(sub.CameraID)
	if sub.CameraID == "" {
		return nil, fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(sub.Frame) == "" {
		return nil, fmt.Errorf("%w: frame is required", ErrInvalidInput)
	}
	if p.cfg.MaxFrameBytes > 0 && len(sub.Frame) > p.cfg.MaxFrameBytes {
		return nil, fmt.Errorf("%w: encoded frame is %d bytes, limit %d", ErrPayloadTooLarge, len(sub.Frame), p.cfg.MaxFrameBytes)
	}

	frame, err := utils.DecodeFrame(sub.Frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if sub.CapturedAt.IsZero() {
		sub.CapturedAt = p.now()
	}
	if sub.Scene.TimeOfDay == "" {
		sub.Scene.TimeOfDay = TimeOfDay(sub.CapturedAt)
	}
	if sub.ReportedBy == "" {
		sub.ReportedBy = SystemReporter
	}

	log := p.log.With().Str("camera_id", sub.CameraID).Logger()

	// RECEIVED -> FRAME_STORED. A failed write is not fatal: alerting without
	// a snapshot beats dropping a threat.
	var frameRef *threat.FrameRef
	start := time.Now()
	frameRef, err = p.frames.Save(ctx, sub.CameraID, frame, sub.CapturedAt)
	p.recorder.ObserveStage(string(StageStoreFrame), time.Since(start))
	if err != nil {
		frameRef = nil
		p.recorder.StageFailed(string(StageStoreFrame))
		log.Warn().Err(err).Str("stage", string(StageStoreFrame)).Msg("failed to store frame, continuing without snapshot")
	}

	// FRAME_STORED -> DETECTED
	start = time.Now()
	det, err := p.detector.Detect(ctx, frame.Data, sub.CameraID, sub.CapturedAt)
	p.recorder.ObserveStage(string(StageDetect), time.Since(start))
	if err != nil {
		return nil, p.fail(log, StageDetect, err)
	}

	// DETECTED -> CLASSIFIED
	start = time.Now()
	verdict, err := p.classifier.Classify(ctx, *det, sub.Scene)
	p.recorder.ObserveStage(string(StageClassify), time.Since(start))
	if err != nil {
		return nil, p.fail(log, StageClassify, err)
	}

	if !verdict.ShouldAlert {
		p.recorder.FrameDone(string(threat.OutcomeCleared))
		log.Debug().
			Str("threat_level", string(verdict.Level)).
			Int("objects", len(det.Objects)).
			Msg("frame cleared")
		return &threat.ProcessResult{
			Outcome:   threat.OutcomeCleared,
			Verdict:   *verdict,
			Detection: *det,
			Frame:     frameRef,
		}, nil
	}

	// CLASSIFIED -> ALERTED
	input := buildIncidentInput(sub, *det, *verdict, frameRef)
	if sub.IdempotencyToken != "" {
		input.IdempotencyKey = utils.TokenFingerprint(sub.CameraID, sub.IdempotencyToken)
	} else {
		input.IdempotencyKey = utils.DetectionFingerprint(sub.CameraID, *det, p.cfg.IdempotencyBucket)
	}

	start = time.Now()
	res, err := p.incidents.CreateIncidentIfAbsent(ctx, input)
	p.recorder.ObserveStage(string(StagePersist), time.Since(start))
	if err != nil {
		return nil, p.fail(log, StagePersist, err)
	}
	p.recorder.IncidentRecorded(res.Created)

	if res.Created {
		event := threat.RecentEventFromIncident(res.Incident)
		p.cache.Push(event)
		p.broadcaster.Broadcast(threat.LiveEvent{
			Type: threat.EventNewAlert,
			Data: threat.AlertEventData{
				RecentEvent: event,
				Incident:    res.Incident,
				Alert:       res.Alert,
			},
		})
		log.Info().
			Int64("incident_id", res.Incident.ID).
			Str("threat_level", string(verdict.Level)).
			Str("idempotency_key", input.IdempotencyKey).
			Msg("incident created")
	} else {
		log.Info().
			Int64("incident_id", res.Incident.ID).
			Str("idempotency_key", input.IdempotencyKey).
			Msg("duplicate submission matched existing incident")
	}

	p.recorder.FrameDone(string(threat.OutcomeAlerted))

	created := res.Created
	incident := res.Incident
	alert := res.Alert
	return &threat.ProcessResult{
		Outcome:   threat.OutcomeAlerted,
		Verdict:   *verdict,
		Detection: *det,
		Incident:  &incident,
		Alert:     &alert,
		Created:   &created,
		Frame:     frameRef,
	}, nil
}

func (p *Pipeline) fail(log zerolog.Logger, stage Stage, err error) error {
	p.recorder.StageFailed(string(stage))
	p.recorder.FrameDone("failed")
	log.Error().Err(err).Str("stage", string(stage)).Msg("frame pipeline failed")
	return &PipelineError{Stage: stage, Err: err}
}

func buildIncidentInput(sub FrameSubmission, det threat.Detection, verdict threat.Verdict, frame *threat.FrameRef) threat.CreateIncidentInput {
	title := fmt.Sprintf("%s threat detected on %s", verdict.Level, sub.CameraID)

	var desc strings.Builder
	if verdict.Narrative != "" {
		desc.WriteString(verdict.Narrative)
	}
	if len(det.Objects) > 0 {
		if desc.Len() > 0 {
			desc.WriteString("\n")
		}
		desc.WriteString("Detected: ")
		for i, o := range det.Objects {
			if i > 0 {
				desc.WriteString(", ")
			}
			fmt.Fprintf(&desc, "%s (%.2f)", o.Class, o.Confidence)
		}
	}

	alertType := verdict.Category
	if alertType == "" && len(det.Alerts) > 0 {
		alertType = det.Alerts[0].Type
	}
	if alertType == "" {
		alertType = "threat"
	}

	message := verdict.Narrative
	if message == "" {
		message = title
	}

	confidence := verdict.Confidence
	if confidence == nil {
		if top, ok := topConfidence(det); ok {
			confidence = &top
		}
	}

	return threat.CreateIncidentInput{
		CameraID:        sub.CameraID,
		ReportedBy:      sub.ReportedBy,
		Title:           title,
		Description:     desc.String(),
		Verdict:         verdict,
		Detection:       det,
		Frame:           frame,
		AlertType:       alertType,
		AlertMessage:    message,
		AlertConfidence: confidence,
	}
}

func topConfidence(det threat.Detection) (float64, bool) {
	if len(det.Objects) == 0 {
		return 0, false
	}
	top := det.Objects[0].Confidence
	for _, o := range det.Objects[1:] {
		if o.Confidence > top {
			top = o.Confidence
		}
	}
	return top, true
}

// TimeOfDay buckets the capture hour for the classifier's scene context.
func TimeOfDay(t time.Time) string {
	h := t.Hour()
	switch {
	case h >= 6 && h < 18:
		return "day"
	case h >= 18 && h < 21:
		return "evening"
	}
	return "night"
}

// IsPipelineStage reports whether err stopped the pipeline at stage.
func IsPipelineStage(err error, stage Stage) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Stage == stage
}
