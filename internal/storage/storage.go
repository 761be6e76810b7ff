// Package storage defines the download history ledger.
package storage

import (
	"context"
	"time"
)

// Outcome values stored for a finished variant download.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DownloadRecord represents one finished variant download, whatever its
// outcome.
type DownloadRecord struct {
	ID         int64     `json:"id"`
	ModelID    string    `json:"modelId"`
	Label      string    `json:"label"`
	Files      []string  `json:"files"`
	Dir        string    `json:"dir"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// DownloadReadRepository queries the history.
type DownloadReadRepository interface {
	// Recent returns the newest records first.
	Recent(ctx context.Context, limit int) ([]DownloadRecord, error)
	// ForModel returns the newest records of one model first.
	ForModel(ctx context.Context, modelID string, limit int) ([]DownloadRecord, error)
}

// DownloadWriteRepository appends to the history.
type DownloadWriteRepository interface {
	Record(ctx context.Context, rec *DownloadRecord) error
}

// DownloadRepository is the full history ledger.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
