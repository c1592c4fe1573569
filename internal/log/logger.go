// Package log configures the process-wide zerolog logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global logger. Development gets a human-readable console
// writer; every other environment logs JSON lines.
func Init(env string) zerolog.Logger {
	return InitWriter(env, os.Stdout)
}

// InitWriter is Init with an explicit destination.
func InitWriter(env string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if env == "development" || env == "dev" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log.Logger
}
