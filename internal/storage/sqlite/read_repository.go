package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/llama_manager/internal/storage"
)

const selectColumns = `SELECT id, model_id, label, files, dir, status, error, error_kind, bytes, started_at, finished_at FROM downloads`

const newestFirst = ` ORDER BY finished_at DESC, id DESC LIMIT ?`

// DownloadReadRepository answers history queries. Results are never nil so
// they encode as [] in JSON.
type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

// Recent returns up to limit records of any model.
func (r *DownloadReadRepository) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	return r.query(ctx, selectColumns+newestFirst, limit)
}

// ForModel returns up to limit records of modelID.
func (r *DownloadReadRepository) ForModel(ctx context.Context, modelID string, limit int) ([]storage.DownloadRecord, error) {
	return r.query(ctx, selectColumns+` WHERE model_id = ?`+newestFirst, modelID, limit)
}

func (r *DownloadReadRepository) query(ctx context.Context, q string, args ...any) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query download history: %w", err)
	}
	defer rows.Close()

	records := []storage.DownloadRecord{}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (storage.DownloadRecord, error) {
	var (
		rec               storage.DownloadRecord
		files             string
		failure, kind     sql.NullString
		started, finished string
	)

	if err := rows.Scan(
		&rec.ID, &rec.ModelID, &rec.Label, &files, &rec.Dir, &rec.Status,
		&failure, &kind, &rec.Bytes, &started, &finished,
	); err != nil {
		return rec, fmt.Errorf("failed to scan download record: %w", err)
	}

	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return rec, fmt.Errorf("failed to decode files of record %d: %w", rec.ID, err)
	}

	rec.Error, rec.ErrorKind = failure.String, kind.String
	// Timestamps are written by Record in RFC 3339; a row edited by hand
	// keeps its zero time rather than failing the whole page.
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)

	return rec, nil
}
