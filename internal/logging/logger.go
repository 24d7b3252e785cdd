// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MacJediWizard/autobackup/internal/config"
)

// Options controls where and how much the logger writes.
type Options struct {
	// Debug writes human-readable output to Console only, at debug level.
	Debug      bool
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console defaults to os.Stderr.
	Console io.Writer
}

// OptionsFromConfig maps the log section of cfg to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Debug:      cfg.DebugMode,
		Level:      cfg.Log.Level,
		File:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
}

// New returns a logger and a closer for its file sink. The closer is never nil.
//
// In debug mode output goes to the console only. Otherwise JSON lines go to
// the rotating log file and the console.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	if opts.Debug {
		w := zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
		logger := zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
		return logger, nopCloser{}, nil
	}

	level := ParseLevel(opts.Level)
	if strings.TrimSpace(opts.File) == "" {
		return zerolog.New(console).Level(level).With().Timestamp().Logger(), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	out := io.MultiWriter(fileLogger, console)
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), fileLogger, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
