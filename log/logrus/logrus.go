package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/threadcache"
)

var _ threadcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "threadcache")}
}

func (l LogrusLogger) Debug(msg string, f threadcache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f threadcache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f threadcache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f threadcache.Fields) { l.with(f).Error(msg) }

// errors go under logrus.ErrorKey so formatters render them as such
func (l LogrusLogger) with(f threadcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out[logrus.ErrorKey] = err
			continue
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
