package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// stateColors highlight lock states so transitions stand out in a terminal.
var stateColors = map[string]string{
	"running":   "\033[1;32m",
	"starting":  "\033[1;36m",
	"stopping":  "\033[1;33m",
	"verifying": "\033[1;35m",
	"stopped":   "\033[2m",
}

// ColorTextHandler is a slog.TextHandler for terminals. The level is printed
// in color ahead of the message and "state" attributes are colored by lock state.
type ColorTextHandler struct {
	text *slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{text: slog.NewTextHandler(w, opts)}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = ansiReset
	}
	out := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("%s%-5s%s %s", code, r.Level.String(), ansiReset, r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "state" {
			if c, ok := stateColors[a.Value.String()]; ok {
				a = slog.String(a.Key, c+a.Value.String()+ansiReset)
			}
		}
		out.AddAttrs(a)
		return true
	})
	return h.text.Handle(ctx, out)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{text: h.text.WithAttrs(attrs).(*slog.TextHandler)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{text: h.text.WithGroup(name).(*slog.TextHandler)}
}
