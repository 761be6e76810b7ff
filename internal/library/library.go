// Package library lists the models that finished downloading.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const ggufExt = ".gguf"

// Model is a completed local model file.
type Model struct {
	Filename string  `json:"filename"` // Relative to the models directory
	Size     int64   `json:"size"`
	Path     string  `json:"path"`
	MTimeMs  float64 `json:"mtimeMs"`
}

// List returns the .gguf files below dir, most recently modified first.
// In-flight partial files are never reported. A missing dir is empty.
func List(dir string) ([]Model, error) {
	models := []Model{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ggufExt) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		models = append(models, Model{
			Filename: filepath.ToSlash(rel),
			Size:     info.Size(),
			Path:     path,
			MTimeMs:  float64(info.ModTime().UnixNano()) / 1e6,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	sort.SliceStable(models, func(i, j int) bool {
		return models[i].MTimeMs > models[j].MTimeMs
	})

	return models, nil
}

// Filter keeps the models whose filename fuzzily matches query, best match
// first. An empty query keeps everything in its original order.
func Filter(models []Model, query string) []Model {
	query = strings.TrimSpace(query)
	if query == "" {
		return models
	}

	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Filename
	}

	matches := fuzzy.RankFindFold(query, names)
	sort.Stable(matches)

	filtered := make([]Model, 0, len(matches))
	for _, match := range matches {
		filtered = append(filtered, models[match.OriginalIndex])
	}

	return filtered
}
