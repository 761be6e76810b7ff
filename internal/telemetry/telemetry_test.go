package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	called := 0
	fn := func(context.Context) error {
		called++

		return nil
	}

	require.NoError(t, tel.InstrumentDownload(ctx, fn))
	require.NoError(t, tel.InstrumentTransfer(ctx, "http", fn))
	require.NoError(t, tel.InstrumentProcess(ctx, "install", fn))
	require.NoError(t, tel.InstrumentDBOperation(ctx, "record", fn))
	require.NoError(t, tel.InstrumentClientOperation(ctx, "huggingface", "search", fn))
	require.Equal(t, 5, called)

	tel.RecordBytesDownloaded(ctx, "http", 10)
	tel.RecordRegistryRejection(ctx, "download")
	tel.RecordPartFilesRemoved(ctx, 2)
	tel.RecordSystemError(ctx, "cleanup", "io")
	require.NoError(t, tel.Shutdown(ctx))

	var nilTel *Telemetry
	require.NoError(t, nilTel.InstrumentDownload(ctx, fn))
	nilTel.RecordDownload(ctx, StatusSuccess, time.Second)
}

func TestInstrumentPropagatesErrors(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tel.InstrumentTransfer(context.Background(), "curl", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestEnabledTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "llama_manager_test", ServiceVersion: "test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	require.NoError(t, tel.InstrumentDownload(ctx, func(context.Context) error { return nil }))
	tel.RecordBytesDownloaded(ctx, "http", 1024)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "downloads")
	require.Contains(t, rec.Body.String(), "downloaded_bytes")
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusSuccess, StatusOf(nil))
	require.Equal(t, StatusCancelled, StatusOf(fmt.Errorf("wrapped: %w", context.Canceled)))
	require.Equal(t, StatusError, StatusOf(errors.New("x")))
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		502: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		require.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", seen)
	require.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestStatusRecorderKeepsFlushing(t *testing.T) {
	h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "chunk")
		require.NoError(t, http.NewResponseController(w).Flush())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, rec.Flushed)
	require.Equal(t, "chunk", rec.Body.String())
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/api/models/{owner}/{repo}/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models/a/b/files", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
