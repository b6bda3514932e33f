package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelSpam is a custom log level below Debug, the nearest equivalent of
// the original project's logger.spam() calls (core/prototype.py).
const LevelSpam = slog.Level(-8)

// ParseLogLevel converts a string to a slog.Level, matching the CLI's
// --verbosity levels (spec §6) to named slog levels.
// Supported values: spam, debug, info, warn, error (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "spam", "trace":
		return LevelSpam, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: spam, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames customizes the level name for Spam in log output.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelSpam {
			a.Value = slog.StringValue("SPAM")
		}
	}
	return a
}
