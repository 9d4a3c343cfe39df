package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"threatwatch-service/internal/domain/threat"
)

// ErrPersistence wraps any storage failure other than the expected
// idempotent duplicate, which is not an error.
var ErrPersistence = errors.New("persistence failed")

const uniqueViolation = "23505"

type IncidentRepository struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewIncidentRepository(db *gorm.DB, log zerolog.Logger) *IncidentRepository {
	return &IncidentRepository{db: db, log: log}
}

type IncidentRow struct {
	ID                 int64  `gorm:"primaryKey"`
	IdempotencyKey     string `gorm:"not null;uniqueIndex:ux_incidents_idempotency_key"`
	Title              string `gorm:"not null"`
	Description        *string
	Severity           string `gorm:"not null"`
	Status             string `gorm:"not null;default:open"`
	Location           string `gorm:"not null"`
	ReportedBy         string `gorm:"not null"`
	ThreatLevel        string `gorm:"not null"`
	Narrative          *string
	Reasoning          *string
	RecommendedActions datatypes.JSON `gorm:"type:jsonb"`
	Confidence         *float64
	Category           *string
	ClassifierStrategy *string
	YoloAlerts         datatypes.JSON `gorm:"type:jsonb"`
	Detections         datatypes.JSON `gorm:"type:jsonb"`
	RawPayload         datatypes.JSON `gorm:"type:jsonb"`
	CapturedAt         time.Time      `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (IncidentRow) TableName() string { return "incidents" }

type AlertRow struct {
	ID         int64  `gorm:"primaryKey"`
	IncidentID int64  `gorm:"not null;uniqueIndex:ux_alerts_incident_id"`
	AlertType  string `gorm:"not null"`
	Message    string `gorm:"not null"`
	Confidence *float64
	CreatedAt  time.Time
}

func (AlertRow) TableName() string { return "alerts" }

type CapturedFrameRow struct {
	ID         int64 `gorm:"primaryKey"`
	IncidentID *int64
	Path       string `gorm:"not null"`
	FileFormat string `gorm:"not null"`
	FileSize   int64  `gorm:"not null"`
	CameraID   string `gorm:"not null"`
	CapturedAt time.Time
	CreatedAt  time.Time
}

func (CapturedFrameRow) TableName() string { return "captured_frames" }

type ActivityRow struct {
	ID         int64  `gorm:"primaryKey"`
	Actor      string `gorm:"not null"`
	Action     string `gorm:"not null"`
	EntityType string `gorm:"not null"`
	EntityID   *int64
	Details    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (ActivityRow) TableName() string { return "activity_log" }

// IncidentFilter narrows historical listings.
type IncidentFilter struct {
	CameraID *string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

type IncidentDetails struct {
	Incident threat.Incident
	Alert    *threat.Alert
}

// CreateIncidentIfAbsent writes the incident, its alert and the frame link
// in one transaction. A second call with the same idempotency key returns
// the first call's rows with Created false. Uniqueness is enforced by
// ux_incidents_idempotency_key, so concurrent callers in different processes
// are safe.
func (r *IncidentRepository) CreateIncidentIfAbsent(ctx context.Context, in threat.CreateIncidentInput) (*threat.CreateIncidentResult, error) {
	var result *threat.CreateIncidentResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := newIncidentRow(in)
		if err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(row)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			existing, err := loadByKey(tx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		alert := AlertRow{
			IncidentID: row.ID,
			AlertType:  in.AlertType,
			Message:    in.AlertMessage,
			Confidence: in.AlertConfidence,
			CreatedAt:  row.CreatedAt,
		}
		if err := tx.Create(&alert).Error; err != nil {
			return err
		}

		var frame *CapturedFrameRow
		if in.Frame != nil {
			frame = &CapturedFrameRow{
				IncidentID: &row.ID,
				Path:       in.Frame.Path,
				FileFormat: in.Frame.Format,
				FileSize:   in.Frame.Size,
				CameraID:   in.CameraID,
				CapturedAt: in.Frame.CapturedAt,
			}
			if err := tx.Create(frame).Error; err != nil {
				return err
			}
		}

		result = &threat.CreateIncidentResult{
			Incident: toIncident(row, frame),
			Alert:    toAlert(&alert),
			Created:  true,
		}
		return nil
	})

	if err != nil && isUniqueViolation(err) {
		// lost a race outside the ON CONFLICT path; the winner's rows are committed
		existing, loadErr := loadByKey(r.db.WithContext(ctx), in.IdempotencyKey)
		if loadErr == nil {
			return existing, nil
		}
		err = loadErr
	}
	if err != nil {
		r.logStorageError(err, "failed to create incident")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if result.Created {
		r.appendIncidentActivity(ctx, in, result.Incident.ID)
	}
	return result, nil
}

func newIncidentRow(in threat.CreateIncidentInput) (*IncidentRow, error) {
	actions, err := json.Marshal(in.Verdict.RecommendedActions)
	if err != nil {
		return nil, fmt.Errorf("encode recommended actions: %w", err)
	}
	yoloAlerts, err := json.Marshal(in.Detection.Alerts)
	if err != nil {
		return nil, fmt.Errorf("encode detector alerts: %w", err)
	}
	detections, err := json.Marshal(in.Detection.Objects)
	if err != nil {
		return nil, fmt.Errorf("encode detections: %w", err)
	}

	now := time.Now().UTC()
	row := &IncidentRow{
		IdempotencyKey:     in.IdempotencyKey,
		Title:              in.Title,
		Description:        optional(in.Description),
		Severity:           in.Verdict.Level.Severity(),
		Status:             "open",
		Location:           in.CameraID,
		ReportedBy:         in.ReportedBy,
		ThreatLevel:        string(in.Verdict.Level),
		Narrative:          optional(in.Verdict.Narrative),
		Reasoning:          optional(in.Verdict.Reasoning),
		RecommendedActions: datatypes.JSON(actions),
		Confidence:         in.Verdict.Confidence,
		Category:           optional(in.Verdict.Category),
		ClassifierStrategy: optional(in.Verdict.Strategy),
		YoloAlerts:         datatypes.JSON(yoloAlerts),
		Detections:         datatypes.JSON(detections),
		CapturedAt:         in.Detection.CapturedAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(in.Detection.Raw) > 0 && json.Valid(in.Detection.Raw) {
		row.RawPayload = datatypes.JSON(in.Detection.Raw)
	}
	return row, nil
}

func loadByKey(tx *gorm.DB, key string) (*threat.CreateIncidentResult, error) {
	var row IncidentRow
	if err := tx.Where("idempotency_key = ?", key).First(&row).Error; err != nil {
		return nil, fmt.Errorf("load existing incident: %w", err)
	}
	var alert AlertRow
	if err := tx.Where("incident_id = ?", row.ID).First(&alert).Error; err != nil {
		return nil, fmt.Errorf("load existing alert: %w", err)
	}
	frame, err := loadFrame(tx, row.ID)
	if err != nil {
		return nil, err
	}
	return &threat.CreateIncidentResult{
		Incident: toIncident(&row, frame),
		Alert:    toAlert(&alert),
		Created:  false,
	}, nil
}

func loadFrame(tx *gorm.DB, incidentID int64) (*CapturedFrameRow, error) {
	var frames []CapturedFrameRow
	if err := tx.Where("incident_id = ?", incidentID).Order("id").Limit(1).Find(&frames).Error; err != nil {
		return nil, fmt.Errorf("load captured frame: %w", err)
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return &frames[0], nil
}

// appendIncidentActivity is best-effort; a failure never undoes the incident.
func (r *IncidentRepository) appendIncidentActivity(ctx context.Context, in threat.CreateIncidentInput, incidentID int64) {
	details, _ := json.Marshal(map[string]any{
		"camera_id":    in.CameraID,
		"threat_level": in.Verdict.Level,
		"title":        in.Title,
	})
	entry := ActivityRow{
		Actor:      in.ReportedBy,
		Action:     "incident_created",
		EntityType: "incident",
		EntityID:   &incidentID,
		Details:    datatypes.JSON(details),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.log.Warn().
			Err(err).
			Int64("incident_id", incidentID).
			Msg("failed to append activity log entry")
	}
}

// FindIncidents returns incidents newest first.
func (r *IncidentRepository) FindIncidents(ctx context.Context, f IncidentFilter) ([]threat.Incident, error) {
	query := r.db.WithContext(ctx).Model(&IncidentRow{})

	if f.CameraID != nil {
		query = query.Where("location = ?", *f.CameraID)
	}
	if f.From != nil {
		query = query.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("created_at <= ?", *f.To)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var rows []IncidentRow
	if err := query.Find(&rows).Error; err != nil {
		r.logStorageError(err, "failed to list incidents")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	incidents := make([]threat.Incident, 0, len(rows))
	for i := range rows {
		incidents = append(incidents, toIncident(&rows[i], nil))
	}
	return incidents, nil
}

// GetIncident returns nil, nil when the incident does not exist.
func (r *IncidentRepository) GetIncident(ctx context.Context, id int64) (*IncidentDetails, error) {
	db := r.db.WithContext(ctx)

	var row IncidentRow
	err := db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	frame, err := loadFrame(db, row.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	details := &IncidentDetails{Incident: toIncident(&row, frame)}

	var alerts []AlertRow
	if err := db.Where("incident_id = ?", row.ID).Limit(1).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if len(alerts) > 0 {
		alert := toAlert(&alerts[0])
		details.Alert = &alert
	}
	return details, nil
}

// DeleteFramesBefore removes captured_frames rows recorded before cutoff and
// returns the file paths they referenced. Rows are aged by created_at, the
// server clock, never by the caller-supplied captured_at.
func (r *IncidentRepository) DeleteFramesBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var rows []CapturedFrameRow
	err := r.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "path"}}}).
		Where("created_at < ?", cutoff).
		Delete(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		paths = append(paths, row.Path)
	}
	return paths, nil
}

// FrameIndexed reports whether a captured_frames row still references path.
func (r *IncidentRepository) FrameIndexed(ctx context.Context, path string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&CapturedFrameRow{}).
		Where("path = ?", path).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return count > 0, nil
}

func (r *IncidentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *IncidentRepository) logStorageError(err error, msg string) {
	event := r.log.Error().Err(err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		event = event.Str("pg_code", pgErr.Code).Str("constraint", pgErr.ConstraintName)
	}
	event.Msg(msg)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toIncident(row *IncidentRow, frame *CapturedFrameRow) threat.Incident {
	inc := threat.Incident{
		ID:          row.ID,
		Title:       row.Title,
		Description: deref(row.Description),
		Severity:    row.Severity,
		Status:      row.Status,
		Location:    row.Location,
		ReportedBy:  row.ReportedBy,
		ThreatLevel: threat.Level(row.ThreatLevel),
		Narrative:   deref(row.Narrative),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if frame != nil {
		inc.Frame = &threat.FrameRef{
			Path:       frame.Path,
			Format:     frame.FileFormat,
			Size:       frame.FileSize,
			CapturedAt: frame.CapturedAt,
		}
	}
	return inc
}

func toAlert(row *AlertRow) threat.Alert {
	return threat.Alert{
		ID:         row.ID,
		IncidentID: row.IncidentID,
		AlertType:  row.AlertType,
		Message:    row.Message,
		Confidence: row.Confidence,
		CreatedAt:  row.CreatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
