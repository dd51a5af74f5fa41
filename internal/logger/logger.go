// Package logger builds the process logger and the attribute helpers used
// across the service so keys stay consistent in the JSON output.
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a slog.Logger writing to w. format is "json" or "text";
// anything else falls back to JSON.
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "assistant-push"))
}

// ParseLevel maps debug/info/warn/error to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Error records err under "error". A nil error yields an empty attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under "user_id".
func UserID(id string) slog.Attr {
	return slog.String("user_id", id)
}

// Component records the component name under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Endpoint records a push endpoint, truncated since they are long opaque URLs.
func Endpoint(endpoint string) slog.Attr {
	const max = 64
	if len(endpoint) > max {
		endpoint = endpoint[:max] + "..."
	}
	return slog.String("endpoint", endpoint)
}

// Category records a notification category.
func Category(c string) slog.Attr {
	return slog.String("category", c)
}
