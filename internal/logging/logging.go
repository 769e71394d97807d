// Package logging sets up the daemon's slog default: text to stderr for
// interactive commands, JSON to a rotating file for the daemon itself.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects destination and verbosity.
type Options struct {
	Level      string // debug, info, warn, error
	Dir        string // empty = stderr only
	MaxSizeMB  int
	MaxBackups int
	// Stderr mirrors file output to stderr as well.
	Stderr bool
}

// Setup installs the default slog logger and returns it. When Dir is set the
// log goes to Dir/gobby.log with rotation.
func Setup(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)

	var logger *slog.Logger
	if opts.Dir == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		var w io.Writer = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "gobby.log"),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		if opts.Stderr {
			w = io.MultiWriter(w, os.Stderr)
		}
		logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
