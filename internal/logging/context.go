package logging

import (
	"context"
	"log/slog"
	"sync"
)

type ctxAttrs struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type ctxAttrsKey struct{}

// WithAttributes returns a context that collects attributes for later log records.
func WithAttributes(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxAttrsKey{}, &ctxAttrs{attrs: make(map[string]any)})
}

func AddAttribute(ctx context.Context, key string, value any) {
	l, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return
	}
	l.mu.Lock()
	l.attrs[key] = value
	l.mu.Unlock()
}

func Attributes(ctx context.Context) map[string]any {
	l, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	copied := make(map[string]any, len(l.attrs))
	for k, v := range l.attrs {
		copied[k] = v
	}
	return copied
}

// AttributesHandler adds context attributes to every record.
type AttributesHandler struct {
	handler slog.Handler
}

func NewAttributesHandler(h slog.Handler) *AttributesHandler {
	return &AttributesHandler{handler: h}
}

func (h *AttributesHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *AttributesHandler) Handle(ctx context.Context, record slog.Record) error {
	for k, v := range Attributes(ctx) {
		record.AddAttrs(slog.Any(k, v))
	}
	return h.handler.Handle(ctx, record)
}

func (h *AttributesHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AttributesHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *AttributesHandler) WithGroup(name string) slog.Handler {
	return &AttributesHandler{handler: h.handler.WithGroup(name)}
}
