package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. format is "console" (default)
// or "json".
func Setup(level, format string) zerolog.Logger {
	return SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit output.
func SetupWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	log.Logger = zerolog.New(formatWriter(out, format, false)).With().Timestamp().Logger().Level(lvl)
	return log.Logger
}

// SetupFile is Setup that also appends plain console lines to path, creating
// its directory if needed. The returned func closes the file.
func SetupFile(level, format, path string) (zerolog.Logger, func() error, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Setup(level, format), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return Setup(level, format), nil, fmt.Errorf("failed to open log file: %w", err)
	}

	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	w := zerolog.MultiLevelWriter(formatWriter(os.Stderr, format, false), formatWriter(f, "console", true))
	log.Logger = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	return log.Logger, f.Close, nil
}

func formatWriter(out io.Writer, format string, noColor bool) io.Writer {
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
