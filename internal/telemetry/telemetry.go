package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Status values attached to business metrics.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Telemetry owns the meter and tracer providers and every instrument the
// manager records. A zero Telemetry, or a nil *Telemetry, records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	downloadsTotal        metric.Int64Counter
	downloadsActive       metric.Int64UpDownCounter
	downloadDuration      metric.Float64Histogram
	fileTransfersTotal    metric.Int64Counter
	fileTransfersActive   metric.Int64UpDownCounter
	bytesDownloaded       metric.Int64Counter
	processRunsTotal      metric.Int64Counter
	processesActive       metric.Int64UpDownCounter
	registryRejections    metric.Int64Counter
	partFilesRemoved      metric.Int64Counter
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram
	systemErrors metric.Int64Counter
}

// Config selects what New sets up.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint   string
	ExportInterval time.Duration
}

// New wires the Prometheus exporter, the optional OTLP push and a tracer
// provider. A disabled configuration yields an instance that records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; they give log records a trace_id and span_id
	// to correlate a request with the work it started.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records one served request. route must be a pattern.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil {
		t.addActive(ctx, t.httpRequestsInFlight, 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil {
		t.addActive(ctx, t.httpRequestsInFlight, -1)
	}
}

// RecordDownload records the outcome of a variant download.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsTotal.Add(ctx, 1, attrs)
	t.downloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFileTransfer records the outcome of a single file transfer.
func (t *Telemetry) RecordFileTransfer(ctx context.Context, backend, status string) {
	if t == nil || t.fileTransfersTotal == nil {
		return
	}

	t.fileTransfersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}

// RecordBytesDownloaded adds n received bytes.
func (t *Telemetry) RecordBytesDownloaded(ctx context.Context, backend string, n int64) {
	if t == nil || t.bytesDownloaded == nil || n <= 0 {
		return
	}

	t.bytesDownloaded.Add(ctx, n, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordProcessRun records the outcome of a supervised process.
func (t *Telemetry) RecordProcessRun(ctx context.Context, label, status string) {
	if t == nil || t.processRunsTotal == nil {
		return
	}

	t.processRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("status", status),
	))
}

// RecordRegistryRejection counts a request rejected because the same work
// was already in progress.
func (t *Telemetry) RecordRegistryRejection(ctx context.Context, namespace string) {
	if t == nil || t.registryRejections == nil {
		return
	}

	t.registryRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

// RecordPartFilesRemoved counts abandoned partial files removed by the sweeper.
func (t *Telemetry) RecordPartFilesRemoved(ctx context.Context, n int) {
	if t == nil || t.partFilesRemoved == nil || n <= 0 {
		return
	}

	t.partFilesRemoved.Add(ctx, int64(n))
}

// RecordClientOperation counts a hub API call; errors are also counted on
// their own so alerts need no status filter.
func (t *Telemetry) RecordClientOperation(ctx context.Context, client, operation, status string) {
	if t == nil || t.clientOperationsTotal == nil {
		return
	}

	who := []attribute.KeyValue{attribute.String("client", client), attribute.String("operation", operation)}

	t.clientOperationsTotal.Add(ctx, 1, metric.WithAttributes(append(who, attribute.String("status", status))...))

	if status == StatusError {
		t.clientErrors.Add(ctx, 1, metric.WithAttributes(who...))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError counts a failure of background work that has no caller
// to report to, such as a sweep or a history write.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, kind string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", kind),
	))
}

// Handler serves /metrics, or 404 when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// StatusOf maps an operation result to a metric status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusError
	}
}

// instruments creates the meter's instruments, stopping at the first
// failure.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	if in.err != nil {
		return nil
	}

	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}

	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	if in.err != nil {
		return nil
	}

	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}

	return g
}

func (in *instruments) seconds(name, desc string) metric.Float64Histogram {
	if in.err != nil {
		return nil
	}

	h, err := in.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}

	return h
}

func (t *Telemetry) initializeMetrics() error {
	in := &instruments{meter: t.meter}

	// RED
	t.httpRequestsTotal = in.counter("http_requests_total", "HTTP requests served", "1")
	t.httpRequestDuration = in.seconds("http_request_duration_seconds", "HTTP request duration")
	t.httpRequestsInFlight = in.gauge("http_requests_in_flight", "HTTP requests being served")

	// Downloads and transfers
	t.downloadsTotal = in.counter("downloads_total", "Variant downloads by outcome", "1")
	t.downloadsActive = in.gauge("downloads_active", "Variant downloads in progress")
	t.downloadDuration = in.seconds("download_duration_seconds", "Variant download duration")
	t.fileTransfersTotal = in.counter("file_transfers_total", "Single file transfers by backend and outcome", "1")
	t.fileTransfersActive = in.gauge("file_transfers_active", "Single file transfers in progress")
	t.bytesDownloaded = in.counter("downloaded_bytes_total", "Bytes received from the hub", "By")
	t.registryRejections = in.counter("registry_rejections_total", "Requests rejected because the same work was in progress", "1")
	t.partFilesRemoved = in.counter("part_files_removed_total", "Abandoned .part files removed", "1")

	// Scripts
	t.processRunsTotal = in.counter("process_runs_total", "Supervised process runs by outcome", "1")
	t.processesActive = in.gauge("processes_active", "Supervised processes running")

	// Dependencies
	t.clientOperationsTotal = in.counter("client_operations_total", "Hub API calls", "1")
	t.clientErrors = in.counter("client_errors_total", "Failed hub API calls", "1")
	t.dbOperationsTotal = in.counter("db_operations_total", "History database operations", "1")
	t.dbOperationDuration = in.seconds("db_operation_duration_seconds", "History database operation duration")

	t.systemErrors = in.counter("system_errors_total", "Background failures by component", "1")

	return in.err
}

func (t *Telemetry) addActive(ctx context.Context, g metric.Int64UpDownCounter, delta int64) {
	if g != nil {
		g.Add(ctx, delta)
	}
}
