package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Configure replaces the global logger. Format is "json" (default) or "text";
// a nil writer means stdout. Call it once at startup, before handlers run.
func Configure(lvl, format string, w io.Writer) {
	SetLevel(lvl)
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	switch strings.ToLower(format) {
	case "text":
		L = slog.New(slog.NewTextHandler(w, opts))
	default:
		L = slog.New(slog.NewJSONHandler(w, opts))
	}
}
