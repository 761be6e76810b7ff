package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/italolelis/llama_manager/internal/logctx"
)

// HTTPLogging writes one record per request after the handler returns, so
// an SSE download is logged when its stream closes. Server errors log at
// error and client errors at warn.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if rec.status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}

		logctx.LoggerFromContext(r.Context()).Log(r.Context(), level, "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}
