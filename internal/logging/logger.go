// Package logging provides the structured logger shared by every
// component of the orchestrator.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config controls how the process-wide logger is built.
type Config struct {
	Level     string // trace, debug, info, warn, error
	Format    string // "text" or "json"
	Directory string // if non-empty, logs additionally go to <Directory>/orchestrator.log
}

// Logger wraps logrus.Logger so call sites can attach structured
// fields without interpolating them into the message string.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config, defaulting to info/text/stdout.
func New(cfg Config) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if cfg.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := io.Writer(os.Stdout)
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Directory, "orchestrator.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}
	base.SetOutput(out)

	return &Logger{Logger: base}, nil
}

// NewDefault returns an info-level text logger on stdout. The
// component argument is not attached to the logger or its entries.
func NewDefault(component string) *Logger {
	l, _ := New(Config{})
	return &Logger{Logger: l.Logger}
}

// WithFields is a typed convenience wrapper over logrus's WithFields.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
