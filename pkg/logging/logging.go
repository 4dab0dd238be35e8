// Package logging configures Logrus for espresso binaries: UTC timestamps with
// subsecond precision, a text or JSON formatter and a parsed level.
//
// Library packages never configure logging themselves; they accept a
// logrus.FieldLogger and fall back to the standard logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options control the logger's behavior. The zero value logs text at info
// level to the standard logger's current output.
type Options struct {
	// Level is a logrus level name: trace, debug, info, warn, error.
	Level string

	// Format is "text" or "json".
	Format string

	// Output overrides the destination when not nil.
	Output io.Writer

	// ForceColors highlights text output even when not writing to a TTY.
	ForceColors bool

	// Logger is set up instead of logrus.StandardLogger() when not nil.
	// This is primarily used for unit testing.
	Logger *logrus.Logger
}

// Configure sets up the logger described by opts and returns it. It's safe to
// call more than once, but not concurrently.
func Configure(opts Options) (*logrus.Logger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:             true,
			TimestampFormat:           "2006-01-02 15:04:05.000000 MST",
			ForceColors:               opts.ForceColors,
			EnvironmentOverrideColors: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
		})
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", opts.Format)
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	}
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.AddHook(utcHook{})
	return logger, nil
}

// utcHook implements logrus.Hook. Its purpose is to convert the timestamp to
// UTC.
type utcHook struct{}

func (utcHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (utcHook) Fire(entry *logrus.Entry) error {
	entry.Time = entry.Time.UTC()
	return nil
}

// OrStandard returns log, or the standard logger when log is nil.
func OrStandard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}
