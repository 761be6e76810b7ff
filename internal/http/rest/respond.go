package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, errorResponse{Error: msg})
}

// streamSSE runs produce against an event stream rendered as Server-Sent
// Events. produce is cancelled once the client goes away and the handler
// returns only after produce did.
func streamSSE(w http.ResponseWriter, r *http.Request, produce func(ctx context.Context, sink event.Sink)) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	sse, err := event.NewSSEWriter(w)
	if err != nil {
		logger.Error("failed to start event stream", "err", err)

		return
	}

	stream := event.NewStream(0)

	produceCtx, cancel := event.WithDisconnect(ctx, stream)
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stream.Close()

		produce(produceCtx, stream)
	}()

	if err := event.Pump(ctx, stream, sse); err != nil {
		logger.Debug("event stream detached", "err", err)
	}

	<-done
}
