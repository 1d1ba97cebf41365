package internal

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// slog does not define trace and fatal levels, so we define them here.
	LevelTrace = slog.LevelDebug - 4
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelFatal = slog.LevelError + 4
	LevelPanic = slog.LevelError + 8

	Disable = slog.LevelInfo + 1000 // A level that disables logging, used for testing or no-op logger.

	// rotation settings for the log file written next to the host app data
	maxLogSizeMB   = 5
	maxLogBackups  = 3
	maxLogAgeDays  = 14
	logTimeFormat  = "2006-01-02 15:04:05.000 UTC"
	modulePrefixes = 3 // github.com/<org>/<module>
)

// NewLogger returns a text logger writing to w. level may be a *slog.LevelVar so it can be
// changed after construction.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(logTimeFormat))
		}
	case slog.SourceKey:
		source, ok := a.Value.Any().(*slog.Source)
		if !ok {
			return a
		}
		a.Value = sourceValue(source)
	case slog.LevelKey:
		// slog would print the custom levels as "DEBUG-4" and "ERROR+4" otherwise
		if level, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(FormatLogLevel(level))
		}
	}
	return a
}

// sourceValue shortens a source location to "<pkg>.<func> <file>:<line>" relative to the module.
func sourceValue(source *slog.Source) slog.Value {
	fields := strings.SplitN(source.Function, "/", modulePrefixes+1)
	if len(fields) <= modulePrefixes {
		return slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(source.File), source.Line))
	}
	pkgFn := fields[modulePrefixes]
	pkg, _, _ := strings.Cut(pkgFn, ".")
	file := filepath.Base(source.File)
	if _, rel, found := strings.Cut(source.File, "/"+pkg+"/"); found {
		file = pkg + "/" + rel
	}
	return slog.GroupValue(
		slog.String("func", pkgFn),
		slog.String("file", fmt.Sprintf("%s:%d", file, source.Line)),
	)
}

// NewLogWriter returns a size-rotated writer for the log file at path.
func NewLogWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}
}

// ParseLogLevel parses a string representation of a log level and returns the corresponding slog.Level.
// If the level is not recognized, it returns LevelInfo.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	case "panic":
		return LevelPanic, nil
	case "disable", "none", "off":
		return Disable, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

func FormatLogLevel(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return "TRACE"
	case level < LevelInfo:
		return "DEBUG"
	case level < LevelWarn:
		return "INFO"
	case level < LevelError:
		return "WARN"
	case level < LevelFatal:
		return "ERROR"
	case level < LevelPanic:
		return "FATAL"
	default:
		return "PANIC"
	}
}

// NoOpLogger returns a logger that drops everything.
func NoOpLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: Disable,
	}))
}
