package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/llama_manager/internal/storage"
)

// DownloadWriteRepository appends finished downloads to the history table.
// Records are never updated.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

// Record appends rec and sets its ID.
func (r *DownloadWriteRepository) Record(ctx context.Context, rec *storage.DownloadRecord) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (model_id, label, files, dir, status, error, error_kind, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ModelID, rec.Label, string(files), rec.Dir, rec.Status,
		nullString(rec.Error), nullString(rec.ErrorKind), rec.Bytes,
		timestamp(rec.StartedAt), timestamp(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert download record: %w", err)
	}

	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read record id: %w", err)
	}

	return nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
