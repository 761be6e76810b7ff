package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/llama_manager/internal/logctx"
)

// RequestIDHeader carries the correlation id between the UI, proxies and
// this server.
const RequestIDHeader = "X-Request-ID"

type requestIDCtxKey struct{}

// RequestID tags every request with a correlation id. A caller supplied id
// wins so a browser retry of the same SSE stream keeps its id; the id is
// echoed back and added to every log record written while serving.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := logctx.AppendAttrs(
			context.WithValue(r.Context(), requestIDCtxKey{}, id),
			slog.String("request_id", id),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)

	return id
}
