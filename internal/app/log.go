package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"dwarf-go/internal/dwarf"
)

// rootComponent labels records logged without a component.
const rootComponent = "dwarf"

// dwarfHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<component>\t<message>\t<key=value ...>
//
// The "component" attribute fills the third column instead of being listed
// with the other attributes.
type dwarfHandler struct {
	w         io.Writer
	level     slog.Leveler
	component string
	attrs     []slog.Attr
}

func (h *dwarfHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *dwarfHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	component := h.component
	if component == "" {
		component = rootComponent
	}

	line := fmt.Sprintf("%s\t%s\t%s\t%s", ts, r.Level.String(), component, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
		return true
	})

	// One write per record keeps lines whole when goroutines log at once.
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *dwarfHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &dwarfHandler{
		w:         h.w,
		level:     h.level,
		component: h.component,
		attrs:     append([]slog.Attr{}, h.attrs...),
	}
	for _, a := range attrs {
		if a.Key == "component" {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *dwarfHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to both logFile and
// stderr. Debug records are dropped unless debug is set. It returns the
// slog.Logger and the open log file (for cleanup).
func newLogger(logFile string, debug bool) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := &dwarfHandler{w: io.MultiWriter(f, os.Stderr), level: level}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the dwarf.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

func (a *slogAdapter) With(args ...any) dwarf.Logger { return &slogAdapter{l: a.l.With(args...)} }

var _ dwarf.Logger = (*slogAdapter)(nil)
