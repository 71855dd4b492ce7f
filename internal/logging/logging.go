// Package logging builds the node's *logrus.Logger. It always writes to
// stdout and, when logging.file.enabled is set, also appends to the app log
// file; console output cannot be turned off and the file is never rotated.
// The logger is always constructed and injected, never accessed through
// logrus's global package functions, so tests can swap in a silent one.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meshnode/meshnode/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger from cfg.Logging.
func New(cfg config.Logging) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.File.Enabled {
		dir := cfg.File.Directory
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("logging: create log directory: %w", err)
		}
		appLog := cfg.File.AppLog
		if appLog == "" {
			appLog = "app.log"
		}
		f, err := os.OpenFile(filepath.Join(dir, appLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: open app log: %w", err)
		}
		writers = append(writers, f)
	}

	log.SetOutput(io.MultiWriter(writers...))
	return log, nil
}

// NewSilent returns a logger that discards everything — for tests and for
// any code path that wants a Logger but shouldn't ever emit one.
func NewSilent() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// WithNode returns a logger entry carrying this node's id on every line —
// the injected-logger analogue of Python's per-module logger.getChild.
func WithNode(log *logrus.Logger, nodeID string) *logrus.Entry {
	return log.WithField("node_id", nodeID)
}
