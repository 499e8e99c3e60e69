// Package logging provides structured logging using zerolog, with
// size-based file rotation via lumberjack when enabled (spec.md §6 "Log
// rotation": "size-based, configurable max bytes and backup count; when
// disabled, a plain append-mode file is used").
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// rotator holds the lumberjack writer when file logging is active, so
// Close can flush/close it.
var rotator *lumberjack.Logger

// plainFile holds the append-mode file handle when rotation is disabled.
var plainFile *os.File

// Level represents log levels.
type Level = zerolog.Level

// Log levels exposed for convenience.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level
	// Output is where console logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output.
	Pretty bool
	// TimeFormat specifies the time format. Defaults to RFC3339.
	TimeFormat string
	// LogToFile enables logging to LogPath in addition to Output.
	LogToFile bool
	// LogPath is the file logs are written to when LogToFile is set
	// (e.g. "<project>/.oak/ci/daemon.log").
	LogPath string
	// MaxSizeMB is the rotation threshold in megabytes. Zero disables
	// rotation: LogPath is opened in plain append mode instead.
	MaxSizeMB int
	// MaxBackups is the number of rotated files lumberjack keeps.
	MaxBackups int
	// MaxAgeDays is how long lumberjack keeps a rotated file before
	// pruning it.
	MaxAgeDays int
}

// DefaultConfig returns a default configuration: console-only, info level.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		Pretty:     false,
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	Close()

	writers := []io.Writer{consoleWriter(cfg)}

	if cfg.LogToFile && cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err == nil {
			if cfg.MaxSizeMB > 0 {
				rotator = &lumberjack.Logger{
					Filename:   cfg.LogPath,
					MaxSize:    cfg.MaxSizeMB,
					MaxBackups: cfg.MaxBackups,
					MaxAge:     cfg.MaxAgeDays,
					Compress:   false,
				}
				writers = append(writers, rotator)
			} else if f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				plainFile = f
				writers = append(writers, f)
			}
		}
	}

	var output io.Writer = writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(output).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

func consoleWriter(cfg Config) io.Writer {
	if cfg.Pretty {
		return zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}
	return cfg.Output
}

// GetLogFilePath returns the current log file path, or empty string if
// not logging to a file.
func GetLogFilePath() string {
	if rotator != nil {
		return rotator.Filename
	}
	if plainFile != nil {
		return plainFile.Name()
	}
	return ""
}

// Close closes any open log file, rotating or plain.
func Close() {
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	if plainFile != nil {
		plainFile.Close()
		plainFile = nil
	}
}

// ParseLevel parses a log level string (case-insensitive).
// Supported values: DEBUG, INFO, WARN, ERROR, FATAL.
// Returns InfoLevel if the string is not recognized.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Debug starts a new debug level log message.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts a new info level log message.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a new warn level log message.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts a new error level log message.
func Error() *zerolog.Event { return Logger.Error() }

// Fatal starts a new fatal level log message.
// Calling Msg or Send on the returned event will call os.Exit(1).
func Fatal() *zerolog.Event { return Logger.Fatal() }

// With creates a child logger with the given fields.
func With() zerolog.Context { return Logger.With() }

// init sets up a default logger so the package is usable without explicit initialization.
func init() {
	Init(DefaultConfig())
}
