package zap

import (
	"github.com/unkn0wn-root/threadcache"
	"github.com/unkn0wn-root/threadcache/internal/util"
	"go.uber.org/zap"
)

var _ threadcache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger "threadcache" so engine lines are easy to filter.
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("threadcache")} }

func (z ZapLogger) Debug(msg string, f threadcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f threadcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f threadcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f threadcache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f threadcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for _, k := range util.SortedKeys(f) {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
