package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. It is usable before Init (info level,
// console output) so early startup failures are never silent; Init
// replaces it with the configured logger.
var Logger = zerolog.New(consoleWriter(os.Stdout)).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Config holds logging configuration
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error).
	// Unknown values fall back to info.
	Level string

	// JSONOutput selects machine-readable output for deployments where
	// logs are shipped to an aggregator; default is console output.
	JSONOutput bool

	Output io.Writer
}

// Init replaces the root logger with one built from cfg. The level is
// carried on the logger itself rather than the zerolog global, so tests
// can install a silent logger without cross-test interference.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = consoleWriter(out)
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSessionID creates a child logger with session_id field
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}
