// Package logging builds the process logger from a filter directive such as
// "info" or "warn,hads=debug".
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// EnvFilter names the environment variable holding the filter directive.
const EnvFilter = "HADS_LOG"

// Target is the directive target that applies to this program.
const Target = "hads"

// DefaultLevel applies when the directive does not set one.
const DefaultLevel = slog.LevelInfo

// ParseFilter resolves the level for Target. A target-specific item wins over
// a bare level regardless of order. Items that cannot be parsed, or that name
// other targets, are returned as ignored.
func ParseFilter(directive string) (level slog.Level, ignored []string) {
	var (
		global, targeted     slog.Level
		hasGlobal, hasTarget bool
	)

	for _, item := range strings.Split(directive, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		target, value, scoped := strings.Cut(item, "=")
		if !scoped {
			value = target
		}
		lvl, err := parseLevel(value)
		switch {
		case err != nil:
			ignored = append(ignored, item)
		case !scoped:
			global, hasGlobal = lvl, true
		case strings.EqualFold(strings.TrimSpace(target), Target):
			targeted, hasTarget = lvl, true
		default:
			ignored = append(ignored, item)
		}
	}

	switch {
	case hasTarget:
		return targeted, ignored
	case hasGlobal:
		return global, ignored
	default:
		return DefaultLevel, ignored
	}
}

// New returns a text logger writing to w at the level chosen by directive.
// Ignored directive items are reported once through the new logger.
func New(w io.Writer, directive string) *slog.Logger {
	level, ignored := ParseFilter(directive)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	if len(ignored) > 0 {
		logger.Warn("ignoring log filter items", "env", EnvFilter, "items", ignored)
	}
	return logger
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}
