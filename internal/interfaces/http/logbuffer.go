package http

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries for GET /api/logs.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	size    int
	pos     int
	count   int
}

// NewLogBuffer creates a buffer holding up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest once full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Entries returns all buffered entries, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	if b.count < b.size {
		copy(result, b.entries[:b.count])
	} else {
		// 已写满: pos 之后是最旧的
		n := copy(result, b.entries[b.pos:])
		copy(result[n:], b.entries[:b.pos])
	}
	return result
}

// Tail returns the last n entries, oldest first. A non-empty component
// keeps only entries logged by that component.
func (b *LogBuffer) Tail(n int, component string) []LogEntry {
	all := b.Entries()
	if component != "" {
		filtered := all[:0]
		for _, e := range all {
			if e.Component == component {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// LogBufferHandler is an slog.Handler that copies records into a LogBuffer
// before passing them to the inner handler.
type LogBufferHandler struct {
	buffer *LogBuffer
	inner  slog.Handler
	attrs  []slog.Attr
	prefix string
}

// NewLogBufferHandler tees inner into buffer.
func NewLogBufferHandler(inner slog.Handler, buffer *LogBuffer) *LogBufferHandler {
	return &LogBufferHandler{
		buffer: buffer,
		inner:  inner,
	}
}

func (h *LogBufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogBufferHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.collect(&entry, attrs, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.collect(&entry, attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	h.buffer.Add(entry)
	return h.inner.Handle(ctx, r)
}

func (h *LogBufferHandler) collect(entry *LogEntry, attrs map[string]any, a slog.Attr) {
	if a.Key == "component" {
		entry.Component = a.Value.String()
		return
	}
	attrs[a.Key] = a.Value.Resolve().Any()
}

func (h *LogBufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &LogBufferHandler{
		buffer: h.buffer,
		inner:  h.inner.WithAttrs(attrs),
		attrs:  merged,
		prefix: h.prefix,
	}
}

func (h *LogBufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogBufferHandler{
		buffer: h.buffer,
		inner:  h.inner.WithGroup(name),
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

var _ slog.Handler = (*LogBufferHandler)(nil)
