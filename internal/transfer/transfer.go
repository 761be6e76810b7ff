package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
)

const (
	// PartSuffix is appended to the destination path while a file is in flight.
	PartSuffix = ".part"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Backend names selectable through configuration.
const (
	BackendHTTP = "http"
	BackendCurl = "curl"
)

// Fetcher downloads one remote file to a local path, resuming from an
// existing partial file when possible.
//
// Implementations write to PartPath(req.DestPath) and rename it to
// req.DestPath only after the whole body was received. Cancelling ctx aborts
// the transfer and leaves the partial file on disk.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error)
}

// Request describes one file transfer.
type Request struct {
	URL      string
	DestPath string
	Header   http.Header
}

// Progress is a cumulative progress sample. Total and Percent are nil when
// the size of the remote file is unknown.
type Progress struct {
	Downloaded int64
	Total      *int64
	Percent    *int
}

// Result describes a completed transfer.
type Result struct {
	DestPath string
	Bytes    int64
	Resumed  bool
}

// PartPath returns the in-flight path for dest.
func PartPath(dest string) string {
	return dest + PartSuffix
}

// NewProgress builds a sample for downloaded bytes out of total. A negative
// total means unknown.
func NewProgress(downloaded, total int64) Progress {
	p := Progress{Downloaded: downloaded}
	if total < 0 {
		return p
	}

	p.Total = &total

	if total > 0 {
		percent := int(math.Round(float64(downloaded) / float64(total) * 100))
		percent = min(max(percent, 0), 100)
		p.Percent = &percent
	}

	return p
}

// partSize returns the size of an existing partial file, or zero.
func partSize(partPath string) (int64, error) {
	info, err := os.Stat(partPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to stat part file: %w", err)
	}

	return info.Size(), nil
}

func ensureDir(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

// finalize moves the completed partial file into place.
func finalize(partPath, dest string) error {
	if err := os.Rename(partPath, dest); err != nil {
		return &FinalizationError{Path: dest, Err: err}
	}

	return nil
}

// interrupted maps an I/O error caused by ctx ending to the reason ctx ended.
func interrupted(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return err
	}

	if errors.Is(cause, ErrStalled) {
		return cause
	}

	return fmt.Errorf("transfer aborted: %w", cause)
}
