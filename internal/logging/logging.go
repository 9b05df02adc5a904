// Package logging wraps logrus the way the platform's command-line services do:
// a thin Logger type over *logrus.Logger, configured once at startup and then
// passed down, with request-scoped fields attached via WithFields at call sites.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger embeds *logrus.Logger so callers can use the familiar logrus API
// (WithField, WithFields, Infof, ...) directly off a Logger value.
type Logger struct {
	*logrus.Logger
}

// Config controls level/format/output the way LoggingConfig does in the
// reference service's pkg/logger.
type Config struct {
	Level  string
	Format string // "json" or "text"
	Output io.Writer
}

// New builds a Logger from cfg, defaulting to stdout and info level.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	return &Logger{Logger: l}
}

// NewDefault builds an info-level JSON logger tagged with a "component" field,
// used by command-line entrypoints that don't load full Config.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "json"})
	l.Logger.AddHook(&componentHook{component: component})
	return l
}

type componentHook struct{ component string }

func (h *componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *componentHook) Fire(e *logrus.Entry) error {
	e.Data["component"] = h.component
	return nil
}
