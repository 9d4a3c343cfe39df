package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	paths  []string
	err    error
	cutoff time.Time
	live   map[string]bool
}

func (i *fakeIndex) DeleteFramesBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	i.cutoff = cutoff
	return i.paths, i.err
}

func (i *fakeIndex) FrameIndexed(_ context.Context, path string) (bool, error) {
	return i.live[path], nil
}

type fakeFiles struct {
	removed []string
	failOn  string
	swept   int
	// old files on disk offered to the sweep
	stale []string
	kept  []string
}

func (f *fakeFiles) Remove(path string) error {
	if path == f.failOn {
		return errors.New("permission denied")
	}
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeFiles) Sweep(ctx context.Context, _ time.Time, indexed func(context.Context, string) (bool, error)) (int, error) {
	swept := f.swept
	for _, p := range f.stale {
		keep, err := indexed(ctx, p)
		if err != nil || keep {
			f.kept = append(f.kept, p)
			continue
		}
		swept++
	}
	return swept, nil
}

func TestCleanupOldFrames(t *testing.T) {
	now := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	index := &fakeIndex{paths: []string{"cam-1/a.png", "cam-1/b.png", "cam-2/c.jpg"}}
	files := &fakeFiles{failOn: "cam-1/b.png", swept: 4}

	svc := NewRetentionService(index, files, 7*24*time.Hour, zerolog.Nop())
	svc.now = func() time.Time { return now }

	report, err := svc.CleanupOldFrames(context.Background())
	require.NoError(t, err)

	assert.Equal(t, now.Add(-7*24*time.Hour), index.cutoff)
	assert.Equal(t, 3, report.RowsDeleted)
	assert.Equal(t, 2, report.FilesRemoved)
	assert.Equal(t, 1, report.RemoveFailure)
	assert.Equal(t, 4, report.OrphansSwept)
	assert.Equal(t, []string{"cam-1/a.png", "cam-2/c.jpg"}, files.removed)
}

func TestCleanupOldFrames_IndexFailure(t *testing.T) {
	index := &fakeIndex{err: errors.New("connection reset")}
	files := &fakeFiles{}

	svc := NewRetentionService(index, files, time.Hour, zerolog.Nop())
	_, err := svc.CleanupOldFrames(context.Background())

	assert.Error(t, err)
	assert.Empty(t, files.removed)
}

func TestCleanupOldFrames_DisabledRetention(t *testing.T) {
	index := &fakeIndex{paths: []string{"x.png"}}
	svc := NewRetentionService(index, &fakeFiles{}, 0, zerolog.Nop())

	report, err := svc.CleanupOldFrames(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.RowsDeleted)
	assert.True(t, index.cutoff.IsZero())
}

func TestCleanupOldFrames_SweepKeepsFramesStillLinked(t *testing.T) {
	index := &fakeIndex{live: map[string]bool{"cam-1/future.png": true}}
	files := &fakeFiles{stale: []string{"cam-1/future.png", "cam-1/orphan.png"}}

	svc := NewRetentionService(index, files, time.Hour, zerolog.Nop())
	report, err := svc.CleanupOldFrames(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.OrphansSwept)
	assert.Equal(t, []string{"cam-1/future.png"}, files.kept)
}
