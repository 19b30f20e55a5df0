package log

import (
	"io"
	"log/slog"
)

// NewConsoleHandler creates a handler that writes to w in cfg.Format,
// "text" or "json". Presence keys logged with an empty value are left out
// so anonymous connections don't print identity="".
func NewConsoleHandler(w io.Writer, cfg *Config, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: dropEmptyPresenceAttrs,
	}

	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func dropEmptyPresenceAttrs(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case KeyConnID, KeyChannelID, KeyIdentity:
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			return slog.Attr{}
		}
	}
	return a
}
