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

// prettyHandler renders single-line, human-first records for local terminals.
// JSON stays the production format; this exists for `gambit` run by hand.
type prettyHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	group string // dotted path accumulated by WithGroup
	bound string // attrs fixed by WithAttrs, rendered once
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, mu: &sync.Mutex{}, color: color}
	if opts != nil {
		h.level = opts.Level
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	var b strings.Builder
	for _, a := range attrs {
		h.renderAttr(&b, h.group, a)
	}
	cp.bound = h.bound + b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.group = name
	if h.group != "" {
		cp.group = h.group + "." + name
	}
	return &cp
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(applyDim(ts.Format("15:04:05.000"), h.color))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(applyBold(r.Message, h.color))

	if h.source && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(applyDim(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), h.color))
		}
	}

	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		h.renderAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// renderAttr appends " key=value" with prefix applied; groups flatten into
// dotted keys so the line stays greppable.
func (h *prettyHandler) renderAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	if prefix != "" {
		key = prefix + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.renderAttr(b, key, ga)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(displayKey(key))
	b.WriteByte('=')
	b.WriteString(h.renderValue(key, a.Value))
}

// renderValue colorizes the handful of request-log keys; everything else is
// quoted only when it needs to be.
func (h *prettyHandler) renderValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		p := strings.TrimSpace(v.String())
		if h.color {
			return ansiCyan + p + ansiReset
		}
		return p
	case "status":
		if n, ok := intValue(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "duration_ms":
		if n, ok := intValue(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}
	return quoteValue(formatValue(v))
}

func displayKey(k string) string {
	if k == "duration_ms" {
		return "duration"
	}
	return k
}

func formatValue(v slog.Value) string {
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

func intValue(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func quoteValue(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level, color bool) string {
	var tag, paint string
	switch {
	case level >= slog.LevelError:
		tag, paint = "ERROR", ansiRed
	case level >= slog.LevelWarn:
		tag, paint = "WARN ", ansiYellow
	case level < slog.LevelInfo:
		tag, paint = "DEBUG", ansiMagenta
	default:
		tag, paint = "INFO ", ansiBlue
	}
	if !color {
		return tag
	}
	return paint + tag + ansiReset
}

func applyDim(s string, color bool) string {
	if !color {
		return s
	}
	return ansiDim + s + ansiReset
}

func applyBold(s string, color bool) string {
	if !color {
		return s
	}
	return ansiBright + s + ansiReset
}
