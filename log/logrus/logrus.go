// Package logrus adapts a logrus entry to polycache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/corradodellorusso/polycache"
)

var _ polycache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every line with component=polycache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "polycache")}
}

func (l Logger) Debug(msg string, f polycache.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f polycache.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f polycache.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f polycache.Fields) { l.with(f).Error(msg) }

// with routes an "err" field through WithError so formatters render it as
// logrus.ErrorKey.
func (l Logger) with(f polycache.Fields) *logrus.Entry {
	e := l.E
	if len(f) == 0 {
		return e
	}
	rest := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		rest[k] = v
	}
	return e.WithFields(rest)
}
