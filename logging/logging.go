// Package logging configures the application-wide zerolog logger.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// File is an optional path that receives the JSON log stream in
	// addition to the console output. The file is appended to.
	File string
}

// New builds the root logger for the application. Components derive
// their own loggers from it:
//
//	log := logging.New("lntag-agent", cfg)
//	drvLog := log.With().Str("component", "driver").Logger()
func New(app string, cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	var logger zerolog.Logger
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("logging: open log file: %w", err)
		}
		logger = zerolog.New(zerolog.MultiLevelWriter(console, f))
	} else {
		logger = zerolog.New(console)
	}

	return logger.Level(level).With().Timestamp().Str("app", app).Logger(), nil
}

// Nop returns a disabled logger for tests and optional dependencies.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
