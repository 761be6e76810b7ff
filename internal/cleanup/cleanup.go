// Package cleanup removes abandoned partial downloads.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/telemetry"
	"github.com/italolelis/llama_manager/internal/transfer"
)

// InUseFunc reports whether a destination path belongs to a running transfer.
type InUseFunc func(destPath string) bool

// Sweeper deletes partial files that were not written to for longer than
// the retention window. Partial files are otherwise kept forever since they
// make a later retry cheap.
type Sweeper struct {
	dir       string
	retention time.Duration
	inUse     InUseFunc
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// NewSweeper creates a sweeper for partial files below dir. inUse may be nil.
func NewSweeper(dir string, retention time.Duration, inUse InUseFunc, tel *telemetry.Telemetry) *Sweeper {
	if inUse == nil {
		inUse = func(string) bool { return false }
	}

	return &Sweeper{
		dir:       dir,
		retention: retention,
		inUse:     inUse,
		telemetry: tel,
		now:       time.Now,
	}
}

// Start sweeps every interval until ctx is done. A non-positive interval or
// retention disables it.
func (s *Sweeper) Start(ctx context.Context, every time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if every <= 0 || s.retention <= 0 {
		logger.Info("partial file sweeper disabled")

		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.Error("failed to sweep partial files", "err", err)

				s.telemetry.RecordSystemError(ctx, "cleanup", "sweep")
			}
		}
	}
}

// SweepOnce removes expired partial files and returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := s.now()
	removed := 0

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), transfer.PartSuffix) {
			return nil
		}

		if s.inUse(strings.TrimSuffix(path, transfer.PartSuffix)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if now.Sub(info.ModTime()) <= s.retention {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete expired partial file", "file", path, "err", err)

			return err
		}

		removed++

		logger.Info("deleted expired partial file", "file", path, "size", humanize.Bytes(uint64(info.Size())))

		return nil
	})

	s.telemetry.RecordPartFilesRemoved(ctx, removed)

	return removed, err
}
