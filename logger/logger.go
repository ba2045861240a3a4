// Package logger configures bloop's zerolog output.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/config"
)

// New returns a configured zerolog.Logger: a human-readable console
// writer in development, structured JSON otherwise.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
