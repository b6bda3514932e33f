package httpstatus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer is a fixed-size FIFO: the oldest entry is dropped once the
// buffer is full, matching core/logging.py's RingBuffer (backed there
// by a collections.deque(maxlen=...)).
type RingBuffer struct {
	mu      sync.Mutex
	entries []string
	max     int
}

// NewRingBuffer creates a buffer holding at most max entries.
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = 200
	}
	return &RingBuffer{max: max}
}

// Append adds s, evicting the oldest entry if the buffer is full.
func (b *RingBuffer) Append(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, s)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

// Get returns a snapshot of the buffered entries, oldest first.
func (b *RingBuffer) Get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.entries))
	copy(out, b.entries)
	return out
}

// RingBufferHandler wraps a slog.Handler, formatting each record at or
// above minLevel as a single line and appending it to a RingBuffer in
// addition to delegating to next, matching RingBufferLogHandler.emit.
// Delivery to the ring buffer never blocks or errors — it is best-effort,
// feeding the status page's /logs endpoint.
type RingBufferHandler struct {
	next     slog.Handler
	buffer   *RingBuffer
	minLevel slog.Level
}

// NewRingBufferHandler wraps next, tee-ing records at minLevel or above into buffer.
func NewRingBufferHandler(next slog.Handler, buffer *RingBuffer, minLevel slog.Level) *RingBufferHandler {
	return &RingBufferHandler{next: next, buffer: buffer, minLevel: minLevel}
}

func (h *RingBufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RingBufferHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		var line strings.Builder
		line.WriteString(r.Time.Format("2006-01-02T15:04:05Z07:00"))
		line.WriteString(" [")
		line.WriteString(r.Level.String())
		line.WriteString("] ")
		line.WriteString(r.Message)
		r.Attrs(func(a slog.Attr) bool {
			line.WriteString(" ")
			line.WriteString(a.Key)
			line.WriteString("=")
			line.WriteString(a.Value.String())
			return true
		})
		h.buffer.Append(line.String())
	}
	return h.next.Handle(ctx, r)
}

func (h *RingBufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingBufferHandler{next: h.next.WithAttrs(attrs), buffer: h.buffer, minLevel: h.minLevel}
}

func (h *RingBufferHandler) WithGroup(name string) slog.Handler {
	return &RingBufferHandler{next: h.next.WithGroup(name), buffer: h.buffer, minLevel: h.minLevel}
}
