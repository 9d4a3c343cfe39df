package framestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threatwatch-service/internal/domain/threat"
	"threatwatch-service/internal/utils"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// DiskStore writes captured frames under dir/<camera>/<yyyymmdd>/<uuid>.<ext>.
type DiskStore struct {
	dir string
	log zerolog.Logger
}

func NewDiskStore(dir string, log zerolog.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir %s: %w", dir, err)
	}
	return &DiskStore{dir: dir, log: log}, nil
}

func (s *DiskStore) Save(ctx context.Context, cameraID string, frame *utils.DecodedFrame, capturedAt time.Time) (*threat.FrameRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	camDir := unsafeChars.ReplaceAllString(cameraID, "_")
	if camDir == "" {
		camDir = "unknown"
	}
	rel := filepath.Join(camDir, capturedAt.UTC().Format("20060102"), uuid.NewString()+"."+extension(frame.Format))
	full := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	if err := os.WriteFile(full, frame.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	return &threat.FrameRef{
		Path:       filepath.ToSlash(rel),
		Format:     frame.Format,
		Size:       int64(len(frame.Data)),
		CapturedAt: capturedAt,
	}, nil
}

// Remove deletes a stored frame by its reference path. Missing files are not an error.
func (s *DiskStore) Remove(path string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(path)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep deletes frame files last modified before cutoff and returns how many
// were removed. A file for which indexed reports true is kept; so is one whose
// index lookup fails.
func (s *DiskStore) Sweep(ctx context.Context, cutoff time.Time, indexed func(ctx context.Context, path string) (bool, error)) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		if indexed != nil {
			rel, err := filepath.Rel(s.dir, path)
			if err != nil {
				return nil
			}
			keep, err := indexed(ctx, filepath.ToSlash(rel))
			if err != nil {
				s.log.Warn().Err(err).Str("path", rel).Msg("frame index lookup failed, keeping file")
				return nil
			}
			if keep {
				return nil
			}
		}

		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("failed to remove expired frame")
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	}
	return format
}
