// Package logging configures the process-wide logrus logger and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup applies cfg to the standard logrus logger.
func Setup(cfg Config) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return errors.NotValidf("log level %q", cfg.Level)
		}
		level = parsed
	}

	var formatter log.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		formatter = &log.TextFormatter{FullTimestamp: true}
	case FormatJSON:
		formatter = &log.JSONFormatter{}
	default:
		return errors.NotValidf("log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return nil
}

// NewLogger returns a logger tagged with the component name.
func NewLogger(component string) *log.Entry {
	return log.WithField("component", component)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}
