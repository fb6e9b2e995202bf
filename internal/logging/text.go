package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// TextHandler writes one line per record with a colored level.
type TextHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	color  bool
	groups []string
	attrs  []slog.Attr
}

func NewTextHandler(w io.Writer, level slog.Leveler, useColor bool) *TextHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &TextHandler{mu: &sync.Mutex{}, w: w, level: level, color: useColor}
}

func (h *TextHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), h.qualify(attrs)...)
	return &nh
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *TextHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if len(h.groups) == 0 {
		return attrs
	}
	prefix := strings.Join(h.groups, ".") + "."
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func (h *TextHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Time.Format(time.RFC3339))
	sb.WriteByte(' ')
	sb.WriteString(h.levelString(record.Level))
	sb.WriteByte(' ')
	sb.WriteString(record.Message)

	attrs := append([]slog.Attr(nil), h.attrs...)
	var own []slog.Attr
	record.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	attrs = append(attrs, h.qualify(own)...)
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%s", h.keyString(a.Key), a.Value.Resolve().String())
	}
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *TextHandler) levelString(l slog.Level) string {
	s := l.String()
	if !h.color {
		return s
	}
	var c *color.Color
	switch {
	case l >= slog.LevelError:
		c = color.New(color.FgRed)
	case l >= slog.LevelWarn:
		c = color.New(color.FgYellow)
	case l >= slog.LevelInfo:
		c = color.New(color.FgBlue)
	default:
		c = color.New(color.FgCyan)
	}
	c.EnableColor()
	return c.Sprint(s)
}

func (h *TextHandler) keyString(k string) string {
	if !h.color {
		return k
	}
	c := color.New(color.Faint)
	c.EnableColor()
	return c.Sprint(k)
}
