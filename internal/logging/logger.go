// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	Service    string
	WithCaller bool
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// New builds a logger from cfg without touching global state
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Setup installs the logger built from cfg as the global logger
func Setup(cfg Config) zerolog.Logger {
	logger := New(cfg)
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = logger
	return logger
}
