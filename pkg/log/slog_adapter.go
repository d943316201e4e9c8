package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes driver events to an slog.Logger. Useful for
// development when events should show up on the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger, mapping Severity to the
// corresponding slog level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("category", event.Category.String()),
	}

	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.TLS {
		attrs = append(attrs, slog.Bool("tls", true))
	}
	if event.Code != nil {
		attrs = append(attrs, slog.Int("code", *event.Code))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}

	var level slog.Level
	switch event.Severity {
	case SeverityDebug:
		level = slog.LevelDebug
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityWarning:
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}

	a.logger.LogAttrs(context.Background(), level, event.Message, attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
