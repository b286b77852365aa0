package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the global slog default logger from configuration.
//
// format selects the handler: "json" (case-insensitive) gives a JSONHandler
// for production log pipelines; anything else gives a TextHandler for local
// development. level is one of "debug", "info", "warn", "error"
// (case-insensitive) and defaults to info. A non-empty service name is
// attached to every record so log aggregators can separate this service from
// the arena-collector workers that share the same pipeline.
//
// Installing the configured logger as the default means packages that log via
// slog.Info/Warn/Error pick it up without carrying a *slog.Logger around.
func SetupLogger(format, level, service string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	if service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", service)})
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
