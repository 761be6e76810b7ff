package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, dir, rel string, size int, age time.Duration) {
	t.Helper()

	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestList(t *testing.T) {
	dir := t.TempDir()

	writeModel(t, dir, "old.Q4_K_M.gguf", 10, 3*time.Hour)
	writeModel(t, dir, "new.Q8_0.gguf", 20, time.Hour)
	writeModel(t, dir, "f16/m-00001-of-00002.gguf", 30, 2*time.Hour)
	writeModel(t, dir, "inflight.gguf.part", 5, 0)
	writeModel(t, dir, "README.md", 1, 0)

	models, err := List(dir)
	require.NoError(t, err)
	require.Len(t, models, 3)

	require.Equal(t, "new.Q8_0.gguf", models[0].Filename)
	require.Equal(t, int64(20), models[0].Size)
	require.Equal(t, filepath.Join(dir, "new.Q8_0.gguf"), models[0].Path)

	require.Equal(t, "f16/m-00001-of-00002.gguf", models[1].Filename)
	require.Equal(t, "old.Q4_K_M.gguf", models[2].Filename)
	require.Greater(t, models[0].MTimeMs, models[1].MTimeMs)
}

func TestListMissingDir(t *testing.T) {
	models, err := List(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Empty(t, models)
}

func TestFilter(t *testing.T) {
	models := []Model{
		{Filename: "mistral-7b.Q4_K_M.gguf"},
		{Filename: "llama-3-8b.Q8_0.gguf"},
		{Filename: "Llama-3-70B.Q4_K_M.gguf"},
	}

	require.Equal(t, models, Filter(models, "  "))

	got := Filter(models, "llama")
	require.Len(t, got, 2)

	for _, m := range got {
		require.Contains(t, []string{"llama-3-8b.Q8_0.gguf", "Llama-3-70B.Q4_K_M.gguf"}, m.Filename)
	}

	require.Empty(t, Filter(models, "qwen"))

	got = Filter(models, "mis")
	require.Len(t, got, 1)
	require.Equal(t, "mistral-7b.Q4_K_M.gguf", got[0].Filename)
}
