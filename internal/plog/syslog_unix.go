//go:build !windows

package plog

import (
	"log/syslog"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
)

// addSyslogHook installs a syslog hook at the logger's configured
// level, wrapping logrus_syslog.SyslogHook with a level filter and
// returning any setup error to the caller.
func addSyslogHook(l *logrus.Logger, tag string) error {
	hook, err := logrus_syslog.NewSyslogHook("", "", syslog.LOG_INFO, tag)
	if err != nil {
		return err
	}
	l.AddHook(&levelFilteredHook{level: l.GetLevel(), Hook: hook})
	return nil
}

type levelFilteredHook struct {
	level logrus.Level
	logrus.Hook
}

func (h *levelFilteredHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}
