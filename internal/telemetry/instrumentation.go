package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Attributes set here end up as metric labels, so only bounded values are
// allowed: operation names, backends, statuses and script ids. Model ids,
// file names and URLs go to the logs instead.

// InstrumentedFunc is the unit of work the Instrument helpers wrap.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName. Errors
// other than cancellation mark the span as failed; a cancelled download is
// not a fault of the manager.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(attribute.String("component", component))

	started := time.Now()
	err := fn(ctx)
	status := StatusOf(err)

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(started).Seconds()),
	)

	if status == StatusError {
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentDBOperation wraps a history store call.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	started := time.Now()
	err := t.InstrumentOperation(ctx, "db."+operation, "database", fn)
	t.RecordDBOperation(ctx, operation, StatusOf(err), time.Since(started))

	return err
}

// InstrumentClientOperation wraps a call to an external API such as the hub.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, client+"."+operation, client, fn)
	t.RecordClientOperation(ctx, client, operation, StatusOf(err))

	return err
}

// InstrumentDownload wraps a whole variant download, all shards included.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	started := time.Now()
	err := t.whileActive(ctx, t.downloadsActive, func(ctx context.Context) error {
		return t.InstrumentOperation(ctx, "download", "downloader", fn)
	})
	t.RecordDownload(ctx, StatusOf(err), time.Since(started))

	return err
}

// InstrumentTransfer wraps one file transfer through backend.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, backend string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.whileActive(ctx, t.fileTransfersActive, func(ctx context.Context) error {
		return t.InstrumentOperation(ctx, "transfer."+backend, "transfer", fn)
	})
	t.RecordFileTransfer(ctx, backend, StatusOf(err))

	return err
}

// InstrumentProcess wraps a supervised process. label must be bounded, a
// script id for instance.
func (t *Telemetry) InstrumentProcess(ctx context.Context, label string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.whileActive(ctx, t.processesActive, func(ctx context.Context) error {
		return t.InstrumentOperation(ctx, "process.run", "supervisor", fn)
	})
	t.RecordProcessRun(ctx, label, StatusOf(err))

	return err
}

// whileActive keeps g raised by one for as long as fn runs.
func (t *Telemetry) whileActive(ctx context.Context, g metric.Int64UpDownCounter, fn InstrumentedFunc) error {
	t.addActive(ctx, g, 1)
	defer t.addActive(ctx, g, -1)

	return fn(ctx)
}
