package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	return NewInstrumentedDownloadRepository(db, tel)
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := &storage.DownloadRecord{
		ModelID:    "org/model",
		Label:      "Q4_K_M",
		Files:      []string{"model.Q4_K_M.gguf"},
		Dir:        "/models",
		Status:     storage.StatusCompleted,
		Bytes:      1024,
		StartedAt:  base,
		FinishedAt: base.Add(time.Minute),
	}
	require.NoError(t, repo.Record(ctx, first))
	require.NotZero(t, first.ID)

	second := &storage.DownloadRecord{
		ModelID:    "org/other",
		Label:      "F16 (2 shards)",
		Files:      []string{"f16/m-00001-of-00002.gguf", "f16/m-00002-of-00002.gguf"},
		Dir:        "/models",
		Status:     storage.StatusFailed,
		Error:      "download stalled",
		ErrorKind:  "stalled",
		StartedAt:  base,
		FinishedAt: base.Add(2 * time.Minute),
	}
	require.NoError(t, repo.Record(ctx, second))

	recent, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	require.Equal(t, second.ID, recent[0].ID)
	require.Equal(t, second.Files, recent[0].Files)
	require.Equal(t, "stalled", recent[0].ErrorKind)
	require.True(t, second.FinishedAt.Equal(recent[0].FinishedAt))

	require.Equal(t, first.ID, recent[1].ID)
	require.Empty(t, recent[1].Error)
	require.Equal(t, int64(1024), recent[1].Bytes)

	limited, err := repo.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestForModel(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now()

	for _, id := range []string{"a/one", "b/two", "a/one"} {
		require.NoError(t, repo.Record(ctx, &storage.DownloadRecord{
			ModelID:    id,
			Label:      "Q8_0",
			Files:      []string{"x.Q8_0.gguf"},
			Status:     storage.StatusCompleted,
			StartedAt:  now,
			FinishedAt: now,
		}))
	}

	records, err := repo.ForModel(ctx, "a/one", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, r := range records {
		require.Equal(t, "a/one", r.ModelID)
	}

	none, err := repo.ForModel(ctx, "missing/model", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}
