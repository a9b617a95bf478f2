// ABOUTME: Colour console slog handler for interactive terminals
// ABOUTME: One line per record with a component column and highlighted auth outcomes

package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	levelTags = []struct {
		min slog.Level
		tag func(a ...any) string
	}{
		{slog.LevelError, color.New(color.FgRed, color.Bold).SprintFunc()},
		{slog.LevelWarn, color.New(color.FgYellow).SprintFunc()},
		{slog.LevelInfo, color.New(color.FgCyan).SprintFunc()},
	}
	debugTag   = color.New(color.FgMagenta).SprintFunc()
	dim        = color.New(color.FgHiBlack).SprintFunc()
	denyValue  = color.New(color.FgRed).SprintFunc()
	allowValue = color.New(color.FgGreen).SprintFunc()
)

// consoleHandler writes records as "15:04:05 LVL [component] message key=value".
// The component attribute, wherever it was attached, becomes the bracketed column.
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Leveler
	component string
	prefix    string // group prefix applied to record attrs, e.g. "db."
	preset    string // pre-rendered WithAttrs pairs
}

func newConsoleHandler(out io.Writer, level slog.Leveler) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(dim(r.Time.Format("15:04:05")))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')

	component := h.component
	var pairs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && h.prefix == "" {
			component = a.Value.String()
			return true
		}
		appendAttr(&pairs, h.prefix, a)
		return true
	})

	if component != "" {
		b.WriteString(dim("[" + component + "] "))
	}
	b.WriteString(r.Message)
	b.WriteString(h.preset)
	b.WriteString(pairs.String())
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var b strings.Builder
	b.WriteString(h.preset)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			next.component = a.Value.String()
			continue
		}
		appendAttr(&b, h.prefix, a)
	}
	next.preset = b.String()
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func levelTag(l slog.Level) string {
	for _, t := range levelTags {
		if l >= t.min {
			return t.tag(shortLevel(t.min))
		}
	}
	return debugTag("DBG")
}

func shortLevel(l slog.Level) string {
	switch l {
	case slog.LevelError:
		return "ERR"
	case slog.LevelWarn:
		return "WRN"
	default:
		return "INF"
	}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, prefix+a.Key+".", ga)
		}
		return
	}

	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = `"` + strings.ReplaceAll(val, `"`, `\"`) + `"`
	}
	switch {
	case a.Key == "outcome" && val == "deny", a.Key == "reason" && val != "none":
		val = denyValue(val)
	case a.Key == "outcome" && val == "allow":
		val = allowValue(val)
	}

	b.WriteByte(' ')
	b.WriteString(dim(prefix + a.Key + "="))
	b.WriteString(val)
}
