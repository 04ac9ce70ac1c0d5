package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel parses a level name; an empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %s: %w", name, err)
	}
	return level, nil
}

// New builds a timestamped logger writing to out, stderr if nil. With console
// set the output is human readable, otherwise JSON lines.
func New(level zerolog.Level, console bool, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewFromConfig is New with the level given by name.
func NewFromConfig(levelName string, console bool, out io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), err
	}
	return New(level, console, out), nil
}
