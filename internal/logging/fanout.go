package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// FanoutHandler sends each record to every child handler enabled for
// its level. The control tool uses it to keep the terminal quiet while
// the control log records the full info stream.
type FanoutHandler struct {
	handlers []slog.Handler
}

// NewFanout combines handlers into one.
func NewFanout(handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{handlers: handlers}
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: next}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &FanoutHandler{handlers: next}
}

// Control builds the logger commands run with: text on stderr from
// stderrLevel up, and everything from info up into the control log.
func Control(controlLog io.Writer, stderrLevel slog.Level) *slog.Logger {
	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: stderrLevel})
	file := slog.NewTextHandler(controlLog, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(NewFanout(stderr, file))
}
