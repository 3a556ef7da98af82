// Package logging wires github.com/rs/zerolog as the module's
// structured logger: console output for humans, JSON when
// WALLET_HOST_LOG_FORMAT=json.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. levelName accepts zerolog level strings
// (debug, info, warn, error); unrecognized values fall back to info.
func New(component string, levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if os.Getenv("WALLET_HOST_LOG_FORMAT") != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Nop returns a logger that discards everything, for tests that don't
// want console noise.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
