// Package plog configures the process-wide structured logger.
//
// blockpoold never sets up logging from a global init() — callers
// construct a logger with Configure and thread it through the engine as
// they would any other capability.
package plog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options controls logger construction. Zero value is a sane default:
// text formatter, info level, stderr output.
type Options struct {
	Level     string // "debug", "info", "warn", "error"
	JSON      bool
	Output    io.Writer
	SyslogTag string // if non-empty, also write to syslog under this tag
}

// Configure builds a *logrus.Logger from opts. Errors configuring an
// optional syslog hook are non-fatal: they are reported on the returned
// logger itself rather than failing construction, mirroring the
// teacher's "log what went wrong with the logger, don't crash" posture.
func Configure(opts Options) *logrus.Logger {
	l := logrus.New()

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if opts.SyslogTag != "" {
		if err := addSyslogHook(l, opts.SyslogTag); err != nil {
			l.WithError(err).Warn("continuing without syslog hook")
		}
	}

	return l
}
