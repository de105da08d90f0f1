// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options select level, format and an optional append-only log file.
type Options struct {
	Level string
	JSON  bool
	File  string
	// Out defaults to stderr.
	Out io.Writer
}

// New returns a logger and a close func for the log file (a no-op without one).
func New(opt Options) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if opt.Level != "" {
		l, err := zerolog.ParseLevel(opt.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	out := opt.Out
	if out == nil {
		out = os.Stderr
	}
	if !opt.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	closeFn := func() error { return nil }
	if opt.File != "" {
		if err := os.MkdirAll(filepath.Dir(opt.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(opt.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeFn = f.Close
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closeFn, nil
}
