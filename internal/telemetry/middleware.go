package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware traces API requests and feeds the request metrics.
type HTTPMiddleware struct {
	tel *Telemetry
}

func NewHTTPMiddleware(tel *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{tel: tel}
}

// Middleware opens one span per request. Route labels use the chi pattern,
// so /api/models/{owner}/{repo}/files stays a single series whatever the
// repository asked for.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if m.tel == nil || m.tel.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := r.Context()

		m.tel.IncrementHTTPInFlight(ctx)
		defer m.tel.DecrementHTTPInFlight(ctx)

		ctx, span := m.tel.Tracer().Start(ctx, r.Method+" request",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
			attribute.Int64("http.response_size", rec.written),
		)

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(rec.status)+" "+http.StatusText(rec.status))
		}

		m.tel.RecordHTTPRequest(ctx, r.Method, route, statusClass(rec.status), time.Since(started))
	})
}

// routePattern is only known after chi has routed the request.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return "unmatched"
	}

	return rctx.RoutePattern()
}

// statusRecorder remembers what a handler answered. Unwrap keeps
// http.ResponseController working for the SSE endpoints.
type statusRecorder struct {
	http.ResponseWriter

	status  int
	written int64
	sent    bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.sent {
		return
	}

	s.status, s.sent = code, true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.sent = true

	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)

	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func statusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}
