package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init installs the global logger at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info. Only the first call has an effect.
func Init(level string) {
	once.Do(func() {
		defaultLogger = slog.New(NewHandler(os.Stdout, ParseLevel(level)))
		slog.SetDefault(defaultLogger)
	})
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Handler is a line-oriented slog handler with millisecond timestamps.
// Handlers derived through WithAttrs share the writer and its lock.
type Handler struct {
	out   io.Writer   // out receives formatted lines
	mu    *sync.Mutex // mu serializes writes to out
	level slog.Level  // level is the minimum level written
	attrs []slog.Attr // attrs are prepended to every record, keys already qualified
	group string      // group prefixes attribute keys
}

// NewHandler creates a handler writing records at or above level to out.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{out: out, mu: &sync.Mutex{}, level: level}
}

// Enabled reports whether records at l are written.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle formats and writes a log record.
// Format: 2024-01-15 14:30:45.123 [INF] message key=value
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s [%s] %s", r.Time.Format("2006-01-02 15:04:05.000"), levelString(r.Level), r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", h.qualify(a.Key), a.Value)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.out, b.String())

	return err
}

// qualify prefixes key with the handler's group, if any.
func (h *Handler) qualify(key string) string {
	if h.group == "" {
		return key
	}

	return h.group + "." + key
}

// WithAttrs returns a handler that prepends attrs to every record.
// Keys are qualified with the group active at the time of the call.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)

	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}

	return &next
}

// WithGroup returns a handler that prefixes attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}

	return &next
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
