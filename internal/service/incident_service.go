package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/domain/threat"
	"threatwatch-service/internal/repository"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	warmUpLimit      = 1000
)

const (
	SourceCache = "cache"
	SourceStore = "store"
)

type IncidentReader interface {
	FindIncidents(ctx context.Context, f repository.IncidentFilter) ([]threat.Incident, error)
	GetIncident(ctx context.Context, id int64) (*repository.IncidentDetails, error)
}

type RecentCache interface {
	List(limit int) []threat.RecentEvent
	Len() int
	Capacity() int
	Warm(newestFirst []threat.RecentEvent)
}

type IncidentService struct {
	repo  IncidentReader
	cache RecentCache
	log   zerolog.Logger
}

func NewIncidentService(repo IncidentReader, cache RecentCache, log zerolog.Logger) *IncidentService {
	return &IncidentService{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

type ListQuery struct {
	CameraID *string
	From     *string
	To       *string
	Limit    int
	Offset   int
}

type ListResult struct {
	Source string               `json:"source"`
	Events []threat.RecentEvent `json:"events"`
}

// ListRecent serves the unfiltered first page from the recent-events cache
// when the cache holds enough entries, and from the incident store otherwise.
func (s *IncidentService) ListRecent(ctx context.Context, q ListQuery) (*ListResult, error) {
	var cameraID *string
	if q.CameraID != nil {
		if v := strings.TrimSpace(*q.CameraID); v != "" {
			cameraID = &v
		}
	}

	var fromTime, toTime *time.Time
	if q.From != nil && *q.From != "" {
		t, err := time.Parse(time.RFC3339, *q.From)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		fromTime = &t
	}
	if q.To != nil && *q.To != "" {
		t, err := time.Parse(time.RFC3339, *q.To)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		toTime = &t
	}
	if fromTime != nil && toTime != nil && toTime.Before(*fromTime) {
		return nil, fmt.Errorf("%w: to must not be before from", ErrInvalidInput)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	unfiltered := cameraID == nil && fromTime == nil && toTime == nil
	if unfiltered && offset == 0 && limit <= s.cache.Capacity() && s.cache.Len() >= limit {
		return &ListResult{Source: SourceCache, Events: s.cache.List(limit)}, nil
	}

	incidents, err := s.repo.FindIncidents(ctx, repository.IncidentFilter{
		CameraID: cameraID,
		From:     fromTime,
		To:       toTime,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find incidents: %w", err)
	}

	events := make([]threat.RecentEvent, 0, len(incidents))
	for _, inc := range incidents {
		events = append(events, threat.RecentEventFromIncident(inc))
	}
	return &ListResult{Source: SourceStore, Events: events}, nil
}

func (s *IncidentService) GetIncident(ctx context.Context, id int64) (*repository.IncidentDetails, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: invalid incident id", ErrInvalidInput)
	}
	details, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	if details == nil {
		return nil, ErrNotFound
	}
	return details, nil
}

// WarmCache fills the recent-events cache from the newest stored incidents
// so a restart does not serve an empty dashboard.
func (s *IncidentService) WarmCache(ctx context.Context) (int, error) {
	limit := s.cache.Capacity()
	if limit > warmUpLimit {
		limit = warmUpLimit
	}
	incidents, err := s.repo.FindIncidents(ctx, repository.IncidentFilter{Limit: limit})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to warm recent events cache")
		return 0, err
	}

	events := make([]threat.RecentEvent, 0, len(incidents))
	for _, inc := range incidents {
		events = append(events, threat.RecentEventFromIncident(inc))
	}
	s.cache.Warm(events)

	s.log.Info().Int("events", len(events)).Msg("recent events cache warmed")
	return len(events), nil
}
