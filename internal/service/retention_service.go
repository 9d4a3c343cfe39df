package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type FrameIndex interface {
	DeleteFramesBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	FrameIndexed(ctx context.Context, path string) (bool, error)
}

type FrameFiles interface {
	Remove(path string) error
	Sweep(ctx context.Context, cutoff time.Time, indexed func(ctx context.Context, path string) (bool, error)) (int, error)
}

type RetentionService struct {
	index     FrameIndex
	files     FrameFiles
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewRetentionService(index FrameIndex, files FrameFiles, retention time.Duration, log zerolog.Logger) *RetentionService {
	return &RetentionService{
		index:     index,
		files:     files,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

type CleanupReport struct {
	RowsDeleted   int
	FilesRemoved  int
	OrphansSwept  int
	RemoveFailure int
}

// CleanupOldFrames deletes frame links older than the retention window, then
// their files, then any old files on disk that no link references. Both
// passes age frames by the server clock.
func (s *RetentionService) CleanupOldFrames(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	if s.retention <= 0 {
		return report, nil
	}
	cutoff := s.now().Add(-s.retention)

	paths, err := s.index.DeleteFramesBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Dur("retention", s.retention).Msg("failed to cleanup old frames")
		return report, err
	}
	report.RowsDeleted = len(paths)

	for _, p := range paths {
		if err := s.files.Remove(p); err != nil {
			report.RemoveFailure++
			s.log.Warn().Err(err).Str("path", p).Msg("failed to remove frame file")
			continue
		}
		report.FilesRemoved++
	}

	swept, err := s.files.Sweep(ctx, cutoff, s.index.FrameIndexed)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sweep frame directory")
	}
	report.OrphansSwept = swept

	if report.RowsDeleted > 0 || report.OrphansSwept > 0 {
		s.log.Info().
			Int("rows_deleted", report.RowsDeleted).
			Int("files_removed", report.FilesRemoved).
			Int("orphans_swept", report.OrphansSwept).
			Dur("retention", s.retention).
			Msg("cleaned up old frames")
	}
	return report, nil
}

// Run repeats CleanupOldFrames every interval until ctx is done.
func (s *RetentionService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.CleanupOldFrames(ctx)
		}
	}
}
