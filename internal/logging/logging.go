// Package logging builds the structured zerolog.Logger used throughout the
// server. It follows the factory shape in adred-codev-ws_poc/src/logger.go:
// level and format are configurable, JSON output by default, and a
// console writer for local development.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger configured from level/format strings. An
// unrecognized level falls back to info; format "pretty" switches to a
// human-readable console writer, anything else (including the default,
// "json") keeps structured JSON output.
func New(level, format string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", "chatcore").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
