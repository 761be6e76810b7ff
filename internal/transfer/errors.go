package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyRedirects is returned when the redirect bound is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrStalled is returned when no data arrived within the stall timeout.
	ErrStalled = errors.New("download stalled")
	// ErrRangeMismatch is returned when a 206 response does not start at
	// the requested resume offset.
	ErrRangeMismatch = errors.New("server returned an unexpected range")
)

// HTTPStatusError is returned for responses that are neither a success, a
// followed redirect, nor a handled range answer.
type HTTPStatusError struct {
	StatusCode int    // HTTP status code returned by the server
	URL        string // URL of the request that produced the status
}

func (e *HTTPStatusError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	}

	return fmt.Sprintf("unexpected HTTP status %d for %s", e.StatusCode, e.URL)
}

// FinalizationError is returned when the completed partial file could not be
// renamed into place. The partial file is left on disk.
type FinalizationError struct {
	Path string // Final destination path
	Err  error  // Underlying rename error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("failed to finalize %s: %v", e.Path, e.Err)
}

func (e *FinalizationError) Unwrap() error {
	return e.Err
}
