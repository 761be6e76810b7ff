package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/llama_manager/internal/telemetry"
)

// NewRouter mounts the API handlers behind the logging, request id, CORS and
// metrics middlewares. tel may be nil.
func NewRouter(models *ModelsHandler, scripts *ScriptsHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", tel.Handler())

	r.Route("/api", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusNotFound, "API endpoint not found")
		})

		r.Mount("/models", models.Routes())
		r.Mount("/scripts", scripts.Routes())
	})

	return r
}

// cors allows any origin so a development frontend can call the API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+tokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		next.ServeHTTP(w, r)
	})
}
