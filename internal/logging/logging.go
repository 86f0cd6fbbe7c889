package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger on stdout, or a console logger when dev is set.
// Unknown levels fall back to info.
func New(dev bool, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if dev {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, level)
}

func newLogger(out io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "clinic-scheduling").Logger()
}
