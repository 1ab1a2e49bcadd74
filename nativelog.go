package openiap

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openiap/openiap-go/native"
)

// LogHandler returns a slog.Handler that writes records through the
// native log functions, so host logs join the library's tracing output.
// Records below level are dropped; nil means slog.LevelInfo.
func (b *Binding) LogHandler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &nativeHandler{b: b, level: level}
}

type nativeHandler struct {
	b      *Binding
	level  slog.Leveler
	prefix string
	attrs  string
}

func (h *nativeHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *nativeHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&sb, h.prefix, a)
		return true
	})
	sym := logSymbol(r.Level)
	return h.b.withStrings(sym, []string{sb.String()}, func(p []uintptr) {
		h.b.lib.Call(sym, p[0])
	})
}

func (h *nativeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&sb, h.prefix, a)
	}
	n := *h
	n.attrs = sb.String()
	return &n
}

func (h *nativeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.prefix = h.prefix + name + "."
	return &n
}

func logSymbol(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return native.SymLogError
	case l >= slog.LevelWarn:
		return native.SymLogWarn
	case l >= slog.LevelInfo:
		return native.SymLogInfo
	case l >= slog.LevelDebug:
		return native.SymLogDebug
	}
	return native.SymLogTrace
}

// appendAttr writes " key=value", flattening groups into dotted keys.
func appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			appendAttr(sb, prefix, g)
		}
		return
	}
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		v = strconv.Quote(v)
	}
	sb.WriteByte(' ')
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	sb.WriteString(v)
}
