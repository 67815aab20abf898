package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders records as one key=value line for local development.
// Anchor identities and records are abbreviated so a line stays readable.
type prettyHandler struct {
	w      io.Writer
	level  slog.Leveler
	source bool
	color  bool

	prefix string // joined group names, with trailing "."
	attrs  []slog.Attr
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		paint(ts.Format("15:04:05.000"), ansiDim, h.color),
		levelTag(r.Level, h.color),
		paint(r.Message, ansiBright, h.color),
	)

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim, h.color))
		}
	}

	for _, a := range h.attrs {
		h.writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		// Bound attributes keep the groups open at bind time only.
		if h.prefix != "" {
			a = slog.Group(strings.TrimSuffix(h.prefix, "."), a)
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, prefix+key+".", ga)
		}
		return
	}

	name, render := key, prettyPlain
	if f, ok := prettyFields[key]; ok && prefix == "" {
		render = f.render
		if f.name != "" {
			name = f.name
		}
	}

	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(render(a.Value, h.color))
}

// prettyField renames a top-level attribute and controls how its value prints.
type prettyField struct {
	name   string
	render func(v slog.Value, color bool) string
}

var prettyFields = map[string]prettyField{
	// HTTP request lines.
	"method": {render: func(v slog.Value, color bool) string {
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), color)
	}},
	"path": {render: func(v slog.Value, color bool) string {
		return paint(strings.TrimSpace(v.String()), ansiCyan, color)
	}},
	"status": {render: func(v slog.Value, color bool) string {
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), color)
		}
		return prettyPlain(v, color)
	}},
	"status_class": {name: "class", render: func(v slog.Value, color bool) string {
		return colorizeStatusClass(strings.TrimSpace(v.String()), color)
	}},
	"duration_ms": {name: "duration", render: func(v slog.Value, color bool) string {
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, color)
		}
		return prettyPlain(v, color)
	}},
	"request_id": {name: "req", render: dimmed},
	"result":     {render: prettyOutcome},

	// Chain events.
	"outcome":     {render: prettyOutcome},
	"code":        {render: prettyOutcome},
	"anchor_id":   {name: "anchor", render: prettyIdentifier},
	"record":      {render: prettyIdentifier},
	"tail":        {render: prettyIdentifier},
	"claimed":     {render: prettyIdentifier},
	"previous":    {render: prettyIdentifier},
	"kind":        {render: prettyKind},
	"position":    {name: "pos", render: prettyPlain},
	"store":       {render: func(v slog.Value, color bool) string { return paint(v.String(), ansiCyan, color) }},
	"keyed_names": {name: "keyed", render: prettyPlain},
	"err": {render: func(v slog.Value, color bool) string {
		return paint(quoteIfNeeded(valueToString(v)), ansiRed, color)
	}},
}

func prettyPlain(v slog.Value, _ bool) string { return quoteIfNeeded(valueToString(v)) }

func dimmed(v slog.Value, color bool) string {
	return paint(quoteIfNeeded(valueToString(v)), ansiDim, color)
}

func prettyOutcome(v slog.Value, color bool) string {
	return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color)
}

func prettyKind(v slog.Value, color bool) string {
	k := strings.TrimSpace(v.String())
	switch k {
	case "transfer":
		return paint(k, ansiMagenta, color)
	case "hl":
		return paint(k, ansiCyan, color)
	default:
		return quoteIfNeeded(k)
	}
}

// prettyIdentifier shortens "ssi:<kind>:<domain>:<specific>:..." to its kind,
// domain and the first characters of its specific part. The timestamp of a
// record is kept since it tells two records of one chain apart.
func prettyIdentifier(v slog.Value, color bool) string {
	const keep = 8

	s := strings.TrimSpace(v.String())
	parts := strings.Split(s, ":")
	if len(parts) < 5 || parts[0] != "ssi" {
		return dimmed(v, color)
	}

	specific := parts[3]
	if len(specific) > keep {
		specific = specific[:keep] + "~"
	}
	short := parts[1] + ":" + parts[2] + ":" + specific
	if len(parts) == 7 {
		short += "@" + parts[4]
	}
	return paint(quoteIfNeeded(short), ansiDim, color)
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}
