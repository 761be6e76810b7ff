package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/llama_manager/internal/downloader"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/hf"
	"github.com/italolelis/llama_manager/internal/library"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/registry"
	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/variant"
)

const (
	defaultSearchLimit  = 20
	maxSearchLimit      = 100
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	tokenHeader = "X-HF-Token"
)

// ModelHub is the remote model repository.
type ModelHub interface {
	Search(ctx context.Context, query string, limit int, token string) ([]hf.Model, error)
	ListFiles(ctx context.Context, modelID, token string) ([]hf.RepoFile, error)
}

// VariantDownloader runs and tracks variant downloads.
type VariantDownloader interface {
	Download(ctx context.Context, req downloader.VariantRequest, sink event.Sink) error
	Cancel(modelID, label string) error
	ListActive() []registry.State
	ModelsDir() string
}

type ModelsHandler struct {
	hub        ModelHub
	downloader VariantDownloader
	history    storage.DownloadReadRepository
	token      string
}

// NewModelsHandler creates the models handler. token is used for the hub
// when a request carries no X-HF-Token header. history may be nil.
func NewModelsHandler(hub ModelHub, d VariantDownloader, history storage.DownloadReadRepository, token string) *ModelsHandler {
	return &ModelsHandler{hub: hub, downloader: d, history: history, token: token}
}

func (h *ModelsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleLocal)
	r.Get("/search", h.HandleSearch)
	r.Get("/downloads", h.HandleActive)
	r.Get("/history", h.HandleHistory)
	r.Get("/{owner}/{repo}/files", h.HandleFiles)
	r.Get("/{owner}/{repo}/download", h.HandleDownload)
	r.Delete("/{owner}/{repo}/download", h.HandleCancel)

	return r
}

type localModelsResponse struct {
	Models    []library.Model `json:"models"`
	ModelsDir string          `json:"modelsDir"`
}

// HandleLocal lists the completed models on disk.
func (h *ModelsHandler) HandleLocal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dir := h.downloader.ModelsDir()

	models, err := library.List(dir)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to list local models", "err", err)
		writeError(ctx, w, http.StatusInternalServerError, err.Error())

		return
	}

	models = library.Filter(models, r.URL.Query().Get("q"))

	writeJSON(ctx, w, http.StatusOK, localModelsResponse{Models: models, ModelsDir: dir})
}

type searchResponse struct {
	Results []hf.Model `json:"results"`
	Query   string     `json:"query"`
	Count   int        `json:"count"`
}

func (h *ModelsHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(ctx, w, http.StatusBadRequest, `Query parameter "q" is required`)

		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), defaultSearchLimit, maxSearchLimit)

	results, err := h.hub.Search(ctx, query, limit, h.tokenFor(r))
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("model search failed", "query", query, "err", err)
		writeError(ctx, w, http.StatusBadGateway, fmt.Sprintf("HuggingFace API error: %s", err))

		return
	}

	writeJSON(ctx, w, http.StatusOK, searchResponse{Results: results, Query: query, Count: len(results)})
}

type filesResponse struct {
	ModelID  string            `json:"modelId"`
	Files    []hf.RepoFile     `json:"files"`
	Variants []variant.Variant `json:"variants"`
}

func (h *ModelsHandler) HandleFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	modelID := modelIDFrom(r)

	files, err := h.hub.ListFiles(ctx, modelID, h.tokenFor(r))
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to list model files", "model_id", modelID, "err", err)
		writeError(ctx, w, http.StatusBadGateway, fmt.Sprintf("HuggingFace API error: %s", err))

		return
	}

	writeJSON(ctx, w, http.StatusOK, filesResponse{ModelID: modelID, Files: files, Variants: hf.Variants(files)})
}

// HandleDownload streams a variant download as Server-Sent Events. The
// download is cancelled when the client disconnects.
func (h *ModelsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	files := r.URL.Query()["file"]
	if len(files) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "At least one ?file= param is required")

		return
	}

	req := downloader.VariantRequest{
		ModelID: modelIDFrom(r),
		Label:   r.URL.Query().Get("label"),
		Files:   files,
		Token:   h.tokenFor(r),
	}

	streamSSE(w, r, func(ctx context.Context, sink event.Sink) {
		// The outcome already went out as an event.
		_ = h.downloader.Download(ctx, req, sink)
	})
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Label     string `json:"label"`
}

func (h *ModelsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	label := r.URL.Query().Get("label")
	if label == "" {
		writeError(ctx, w, http.StatusBadRequest, "label query param required")

		return
	}

	err := h.downloader.Cancel(modelIDFrom(r), label)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeError(ctx, w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(ctx, w, http.StatusOK, cancelResponse{Cancelled: err == nil, Label: label})
}

type activeDownload struct {
	ModelID    string    `json:"modelId"`
	Label      string    `json:"label"`
	StartedAt  time.Time `json:"startedAt"`
	FileIndex  int       `json:"fileIndex"`
	TotalFiles int       `json:"totalFiles"`
	Downloaded int64     `json:"downloaded"`
	Total      *int64    `json:"total"`
	Cancelled  bool      `json:"cancelled"`
}

type activeResponse struct {
	Downloads []activeDownload `json:"downloads"`
}

func (h *ModelsHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	states := h.downloader.ListActive()

	downloads := make([]activeDownload, 0, len(states))
	for _, s := range states {
		downloads = append(downloads, activeDownload{
			ModelID:    s.Key.ID,
			Label:      s.Key.Label,
			StartedAt:  s.StartedAt,
			FileIndex:  s.FileIndex,
			TotalFiles: s.TotalFiles,
			Downloaded: s.Downloaded,
			Total:      s.Total,
			Cancelled:  s.Cancelled,
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, activeResponse{Downloads: downloads})
}

type historyResponse struct {
	Downloads []storage.DownloadRecord `json:"downloads"`
}

func (h *ModelsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.history == nil {
		writeJSON(ctx, w, http.StatusOK, historyResponse{Downloads: []storage.DownloadRecord{}})

		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)

	var (
		records []storage.DownloadRecord
		err     error
	)

	if modelID := r.URL.Query().Get("model"); modelID != "" {
		records, err = h.history.ForModel(ctx, modelID, limit)
	} else {
		records, err = h.history.Recent(ctx, limit)
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to read download history", "err", err)
		writeError(ctx, w, http.StatusInternalServerError, "failed to read download history")

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(ctx, w, http.StatusOK, historyResponse{Downloads: records})
}

func (h *ModelsHandler) tokenFor(r *http.Request) string {
	if token := r.Header.Get(tokenHeader); token != "" {
		return token
	}

	return h.token
}

func modelIDFrom(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}

// parseLimit reads a positive limit, capped at ceiling.
func parseLimit(raw string, def, ceiling int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}

	return min(n, ceiling)
}
