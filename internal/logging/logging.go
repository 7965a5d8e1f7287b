// Package logging builds the process slog.Logger.
package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// New returns a logger writing to w. format "json" emits structured lines
// with GCP-friendly keys; anything else emits the compact local format
// "2006-01-02T15:04:05Z INFO msg key=val".
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: GCPAttributeReplacer,
		}))
	}
	return slog.New(NewLocalHandler(w, &slog.HandlerOptions{Level: level}))
}

// GCPAttributeReplacer renames msg and level so Cloud Logging picks them up
// as message and severity.
func GCPAttributeReplacer(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = "message"
	case slog.LevelKey:
		a.Key = "severity"
		level, _ := a.Value.Any().(slog.Level)
		switch {
		case level < slog.LevelInfo:
			a.Value = slog.StringValue("DEBUG")
		case level < slog.LevelWarn:
			a.Value = slog.StringValue("INFO")
		case level < slog.LevelError:
			a.Value = slog.StringValue("WARNING")
		default:
			a.Value = slog.StringValue("ERROR")
		}
	}
	return a
}

// LocalHandler prints time, level and message up front and delegates the
// attributes to a text handler.
type LocalHandler struct {
	inner slog.Handler
	mu    *sync.Mutex
	w     io.Writer
}

func NewLocalHandler(w io.Writer, opts *slog.HandlerOptions) *LocalHandler {
	inner := slog.HandlerOptions{}
	if opts != nil {
		inner = *opts
	}
	userReplace := inner.ReplaceAttr
	inner.AddSource = false
	inner.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey || a.Key == slog.MessageKey) {
			return slog.Attr{}
		}
		if userReplace != nil {
			return userReplace(groups, a)
		}
		return a
	}
	return &LocalHandler{inner: slog.NewTextHandler(w, &inner), mu: &sync.Mutex{}, w: w}
}

func (h *LocalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LocalHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(r.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(r.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	buf.WriteByte(' ')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

func (h *LocalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LocalHandler{inner: h.inner.WithAttrs(attrs), mu: h.mu, w: h.w}
}

func (h *LocalHandler) WithGroup(name string) slog.Handler {
	return &LocalHandler{inner: h.inner.WithGroup(name), mu: h.mu, w: h.w}
}

type ctxKey struct{}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by WithLogger, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Stage logs the completion line for one pipeline stage:
// "stage ok stage=dedupe duration=1.2s ...".
func Stage(ctx context.Context, l *slog.Logger, stage string, started time.Time, attrs ...slog.Attr) {
	all := append([]slog.Attr{
		slog.String("stage", stage),
		slog.Duration("duration", time.Since(started)),
	}, attrs...)
	l.LogAttrs(ctx, slog.LevelInfo, "stage ok", all...)
}
