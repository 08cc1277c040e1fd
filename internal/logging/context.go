package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	nodeKeyKey
	definitionIDKey
)

// WithInstanceID returns a context with the instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithNodeKey returns a context with the node key set.
func WithNodeKey(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeKeyKey, id)
}

// WithDefinitionID returns a context with the definition ID set.
func WithDefinitionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, definitionIDKey, id)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// NodeKey extracts the node key from the context, or "" if absent.
func NodeKey(ctx context.Context) string {
	v, _ := ctx.Value(nodeKeyKey).(string)
	return v
}

// DefinitionID extracts the definition ID from the context, or "" if absent.
func DefinitionID(ctx context.Context) string {
	v, _ := ctx.Value(definitionIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, instanceID, nodeKey, definitionID string) context.Context {
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithNodeKey(ctx, nodeKey)
	ctx = WithDefinitionID(ctx, definitionID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := InstanceID(ctx); id != "" {
		logger = logger.With(slog.String("instance_id", id))
	}
	if key := NodeKey(ctx); key != "" {
		logger = logger.With(slog.String("node_key", key))
	}
	if defID := DefinitionID(ctx); defID != "" {
		logger = logger.With(slog.String("definition_id", defID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := NodeKey(ctx); v != "" {
		r.AddAttrs(slog.String("node_key", v))
	}
	if v := DefinitionID(ctx); v != "" {
		r.AddAttrs(slog.String("definition_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
