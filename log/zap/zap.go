// Package zap adapts a *zap.Logger to memoize.Logger.
package zap

import (
	"github.com/coalesced/memoize"
	"go.uber.org/zap"
)

// Logger wraps a *zap.Logger.
type Logger struct{ L *zap.Logger }

func (z Logger) Debug(msg string, f memoize.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f memoize.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f memoize.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f memoize.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f memoize.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

var _ memoize.Logger = Logger{}
