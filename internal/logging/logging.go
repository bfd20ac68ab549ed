// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
}

// Init configures the standard logrus logger from cfg and returns the opened
// log file, if any. The caller owns closing it on shutdown.
func Init(cfg Config) (*os.File, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	var writers []io.Writer
	var file *os.File

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	if cfg.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 1 {
		logrus.SetOutput(writers[0])
	} else {
		logrus.SetOutput(io.MultiWriter(writers...))
	}

	return file, nil
}

// ForComponent returns a logger entry tagged with the component name.
func ForComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
