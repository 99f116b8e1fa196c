package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Init initializes the file logger, writing to engram.log in the current
// directory. It should be called once at application startup.
// Log level can be configured via the LOG_LEVEL environment variable
// (debug, info, warn, error).
func Init() (zerolog.Logger, error) {
	return InitWithOptions("engram.log", false)
}

// InitWithOptions initializes the logger with the specified options.
// If logFile is empty, logs to stdout.
// If pretty is true, uses ConsoleWriter for human-readable output (only
// valid when logFile is empty).
func InitWithOptions(logFile string, pretty bool) (zerolog.Logger, error) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))

	var output io.Writer
	switch {
	case logFile != "":
		//nolint:gosec // G304: user-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
	case pretty:
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	default:
		output = os.Stdout
	}

	log := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Info().Str("level", level.String()).Msg("Logger initialized")
	return log, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
