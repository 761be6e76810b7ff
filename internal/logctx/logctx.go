// Package logctx carries a *slog.Logger and request scoped log attributes
// through a context.Context.
package logctx

import (
	"context"
	"log/slog"
)

type (
	loggerKey struct{}
	attrsKey  struct{}
)

// WithLogger stores logger in ctx. Code further down the call chain picks
// it up with LoggerFromContext and narrows it with With.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored by WithLogger, falling back
// to slog.Default so background goroutines can always log.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, _ := ctx.Value(loggerKey{}).(*slog.Logger); l != nil {
		return l
	}

	return slog.Default()
}

// AppendAttrs returns a context whose log records, when handled by a
// ContextHandler, also carry attrs. Attributes already in ctx are kept.
func AppendAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}

	existing := AttrsFromContext(ctx)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)

	return context.WithValue(ctx, attrsKey{}, merged)
}

// AttrsFromContext returns the attributes added with AppendAttrs.
func AttrsFromContext(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)

	return attrs
}
