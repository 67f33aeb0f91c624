package logbuf

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Handler mirrors slog records into a Buffer before passing them on to the
// wrapped handler.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	level  slog.Leveler
	prefix string
	groups []string
}

// NewHandler tees records at or above level into buf.
func NewHandler(next slog.Handler, buf *Buffer, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{next: next, buf: buf, level: level}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		var sb strings.Builder
		sb.WriteString(r.Message)
		sb.WriteString(h.prefix)
		r.Attrs(func(a slog.Attr) bool {
			writeAttr(&sb, h.groups, a)
			return true
		})
		h.buf.Append(levelName(r.Level), sb.String())
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&sb, h.groups, a)
	}
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.prefix = sb.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func writeAttr(sb *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		nested := groups
		if a.Key != "" {
			nested = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, nested, ga)
		}
		return
	}
	sb.WriteByte(' ')
	for _, g := range groups {
		sb.WriteString(g)
		sb.WriteByte('.')
	}
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	value := a.Value.String()
	if a.Value.Kind() == slog.KindString && (value == "" || strings.ContainsAny(value, " \t\n\"=")) {
		value = strconv.Quote(value)
	}
	sb.WriteString(value)
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
