// Package logger provides a simple leveled logging system shared by all
// glyph components.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages only.
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
// Accepts: debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

const (
	fileMaxSizeMB = 10
	fileBackups   = 3
)

var std = struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
	file  *lumberjack.Logger
}{
	level: LevelInfo,
	out:   os.Stderr,
}

// SetLevel sets the minimum level written by the package logger.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetOutput redirects the primary output. Primarily useful for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
}

// SetLogFile mirrors log output to a rotated file at path.
func SetLogFile(path string) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
	}
	std.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileBackups,
	}
}

// Close closes the log file if one is open.
func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}
}

func write(level Level, format string, args ...interface{}) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if level < std.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("%s %s %s\n", timestamp, level, fmt.Sprintf(format, args...))

	io.WriteString(std.out, line)
	if std.file != nil {
		io.WriteString(std.file, line)
	}
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) { write(LevelDebug, format, args...) }

// Info logs at info level.
func Info(format string, args ...interface{}) { write(LevelInfo, format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...interface{}) { write(LevelWarn, format, args...) }

// Error logs at error level.
func Error(format string, args ...interface{}) { write(LevelError, format, args...) }
