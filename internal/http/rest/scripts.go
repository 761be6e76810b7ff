package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/scripts"
	"github.com/italolelis/llama_manager/internal/supervisor"
)

const maxRunBodySize = 1 << 20

// ScriptRunner runs catalog scripts, streaming their events.
type ScriptRunner interface {
	Run(ctx context.Context, id string, args []string, sink event.Sink) error
}

// ScriptCatalog lists the known scripts.
type ScriptCatalog interface {
	List() []scripts.Metadata
}

// ProcessController inspects and signals supervised processes.
type ProcessController interface {
	Live() []supervisor.Info
	Signal(pid int, sig os.Signal) error
	Kill(pid int) error
}

type ScriptsHandler struct {
	runner    ScriptRunner
	catalog   ScriptCatalog
	processes ProcessController
}

func NewScriptsHandler(runner ScriptRunner, catalog ScriptCatalog, processes ProcessController) *ScriptsHandler {
	return &ScriptsHandler{runner: runner, catalog: catalog, processes: processes}
}

func (h *ScriptsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleList)
	r.Get("/runs", h.HandleRuns)
	r.Delete("/runs/{pid}", h.HandleStop)
	r.Get("/{id}/run", h.HandleRunQuery)
	r.Post("/{id}/run", h.HandleRunBody)

	return r
}

type scriptsResponse struct {
	Scripts []scripts.Metadata `json:"scripts"`
}

func (h *ScriptsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, scriptsResponse{Scripts: h.catalog.List()})
}

// HandleRunQuery runs a script with its arguments taken from repeated ?arg=
// parameters, for EventSource clients that can only GET.
func (h *ScriptsHandler) HandleRunQuery(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, r.URL.Query()["arg"])
}

type runRequest struct {
	Args []any `json:"args"`
}

// HandleRunBody runs a script with the arguments of a JSON {"args": [...]}
// body. Non-string entries are ignored.
func (h *ScriptsHandler) HandleRunBody(w http.ResponseWriter, r *http.Request) {
	var req runRequest

	err := json.NewDecoder(io.LimitReader(r.Body, maxRunBodySize)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		logctx.LoggerFromContext(r.Context()).Debug("failed to decode run request", "err", err)
		writeError(r.Context(), w, http.StatusBadRequest, "Invalid JSON in request body")

		return
	}

	args := make([]string, 0, len(req.Args))
	for _, a := range req.Args {
		if s, ok := a.(string); ok {
			args = append(args, s)
		}
	}

	h.run(w, r, args)
}

func (h *ScriptsHandler) run(w http.ResponseWriter, r *http.Request, args []string) {
	id := chi.URLParam(r, "id")

	streamSSE(w, r, func(ctx context.Context, sink event.Sink) {
		// Failures reach the client as error or exit events.
		_ = h.runner.Run(ctx, id, args, sink)
	})
}

type runsResponse struct {
	Runs []supervisor.Info `json:"runs"`
}

func (h *ScriptsHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, runsResponse{Runs: h.processes.Live()})
}

type stopResponse struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal"`
}

// HandleStop sends SIGTERM to a live process, or SIGKILL with ?force=true.
func (h *ScriptsHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(ctx, w, http.StatusBadRequest, "invalid pid")

		return
	}

	sig := syscall.SIGTERM
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		sig = syscall.SIGKILL
		err = h.processes.Kill(pid)
	} else {
		err = h.processes.Signal(pid, sig)
	}

	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "process not found")
	case err != nil:
		logctx.LoggerFromContext(ctx).Error("failed to signal process", "pid", pid, "err", err)
		writeError(ctx, w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(ctx, w, http.StatusOK, stopResponse{PID: pid, Signal: sig.String()})
	}
}
