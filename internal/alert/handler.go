// Package alert implements the Alerter and AlertMessageFormatter workers
// described in spec §4.J: a log-record tap that turns WARNING-and-above
// records into alert messages, and a formatter that renders those
// messages into templated bodies for a transport-specific receiver
// (email, sms, irc, …).
package alert

import (
	"context"
	"log/slog"

	"github.com/dabamos/openadms-node/internal/events"
)

// TeeHandler wraps a slog.Handler, publishing every record at or above
// minLevel onto bus in addition to passing it through to next. This is
// the Go seam for core/logging.py's QueueHandler + RootFilter, which
// core/notification.py's Alerter attaches to the root logger to capture
// WARNING and above.
type TeeHandler struct {
	next     slog.Handler
	bus      *events.Bus
	minLevel slog.Level
}

// NewTeeHandler wraps next, publishing records at minLevel or above onto bus.
func NewTeeHandler(next slog.Handler, bus *events.Bus, minLevel slog.Level) *TeeHandler {
	return &TeeHandler{next: next, bus: bus, minLevel: minLevel}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		attrs := map[string]any{}
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.Any()
			return true
		})
		h.bus.Publish(events.Record{
			Timestamp: r.Time,
			Level:     r.Level.String(),
			Logger:    "openadms",
			Message:   r.Message,
			Attrs:     attrs,
		})
	}
	return h.next.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{next: h.next.WithAttrs(attrs), bus: h.bus, minLevel: h.minLevel}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{next: h.next.WithGroup(name), bus: h.bus, minLevel: h.minLevel}
}
