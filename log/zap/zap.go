// Package zap adapts a *zap.Logger to polycache.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/corradodellorusso/polycache"
)

var _ polycache.Logger = Logger{}

// Logger writes through a *zap.Logger. Fields are emitted in key order.
type Logger struct{ L *zap.Logger }

// New names the logger "polycache"; a nil l yields a no-op logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("polycache")}
}

func (z Logger) Debug(msg string, f polycache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f polycache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f polycache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f polycache.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f polycache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
