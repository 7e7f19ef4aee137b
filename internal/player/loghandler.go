package player

import (
	"context"
	"log/slog"
)

// eventHandler tees engine log records onto the event channel so hosts see
// warnings without scraping stderr.
type eventHandler struct {
	inner slog.Handler
	p     *Player
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || level >= slog.LevelWarn
}

func (h *eventHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.p.emit(LogEvent{Level: r.Level, Message: r.Message})
	}
	return h.inner.Handle(ctx, r)
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventHandler{inner: h.inner.WithAttrs(attrs), p: h.p}
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	return &eventHandler{inner: h.inner.WithGroup(name), p: h.p}
}
