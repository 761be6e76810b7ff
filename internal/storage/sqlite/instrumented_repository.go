package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/telemetry"
)

// InstrumentedDownloadRepository is the history store the manager uses: the
// SQLite reader and writer behind one value, every call traced and timed.
type InstrumentedDownloadRepository struct {
	read      *DownloadReadRepository
	write     *DownloadWriteRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		read:      NewDownloadReadRepository(dbConn),
		write:     NewDownloadWriteRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Record(ctx context.Context, rec *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download", func(ctx context.Context) error {
		return r.write.Record(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	return instrumentedQuery(ctx, r.telemetry, "recent_downloads", func(ctx context.Context) ([]storage.DownloadRecord, error) {
		return r.read.Recent(ctx, limit)
	})
}

func (r *InstrumentedDownloadRepository) ForModel(ctx context.Context, modelID string, limit int) ([]storage.DownloadRecord, error) {
	return instrumentedQuery(ctx, r.telemetry, "model_downloads", func(ctx context.Context) ([]storage.DownloadRecord, error) {
		return r.read.ForModel(ctx, modelID, limit)
	})
}

func instrumentedQuery[T any](
	ctx context.Context,
	tel *telemetry.Telemetry,
	operation string,
	query func(context.Context) (T, error),
) (T, error) {
	var out T

	err := tel.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error

		out, err = query(ctx)

		return err
	})
	if err != nil {
		var zero T

		return zero, err
	}

	return out, nil
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)
