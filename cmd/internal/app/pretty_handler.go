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

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler renders one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(h.paint(ansiDim, ts.Format("15:04:05.000")))
	b.WriteString(" lvl=")
	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" msg=")
	b.WriteString(h.paint(ansiBright, r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(ansiDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	scope := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, scope)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs qualifies attrs with the groups open at this point.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	scope := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if scope != "" {
			a.Key = scope + "." + a.Key
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return
	}
	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, key)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(prettyKey(key))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

// prettyKey shortens the request log keys.
func prettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method", "route":
		return h.paint(ansiCyan, v.String())
	case "request_id", "session_id":
		return h.paint(ansiDim, v.String())
	case "status":
		if v.Kind() == slog.KindInt64 {
			return h.paint(statusColor(int(v.Int64())), strconv.FormatInt(v.Int64(), 10))
		}
	case "duration_ms":
		if v.Kind() == slog.KindInt64 {
			return h.paint(durationColor(v.Int64()), strconv.FormatInt(v.Int64(), 10)+"ms")
		}
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func statusColor(status int) string {
	switch {
	case status >= 500:
		return ansiRed
	case status >= 400:
		return ansiYellow
	default:
		return ansiGreen
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiGreen
	}
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

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(ansiRed, "[ERROR]")
	case level >= slog.LevelWarn:
		return h.paint(ansiYellow, "[WARN]")
	case level < slog.LevelInfo:
		return h.paint(ansiMagenta, "[DEBUG]")
	default:
		return h.paint(ansiBlue, "[INFO]")
	}
}

func (h *prettyHandler) paint(code, s string) string {
	if !h.color {
		return s
	}
	return code + s + ansiReset
}
