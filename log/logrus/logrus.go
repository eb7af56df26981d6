// Package logrus adapts a *logrus.Entry to memoize.Logger.
package logrus

import (
	"github.com/coalesced/memoize"
	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Entry.
type Logger struct{ E *logrus.Entry }

func (l Logger) Debug(msg string, f memoize.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f memoize.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f memoize.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f memoize.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }

var _ memoize.Logger = Logger{}
