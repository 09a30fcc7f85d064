package amq

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Package logger. Defaults to a silent logger so the library produces
// no output unless the caller opts in via SetLogger.
var logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger installs a caller-owned logrus logger for the whole
// package. Frame traces are emitted at Debug level, shutdown
// stragglers at Warn, fatal loop failures at Error.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newDefaultLogger()
	}
	logger = l
}

func logPeer() *logrus.Entry    { return logger.WithField("sub", "peer") }
func logChannel() *logrus.Entry { return logger.WithField("sub", "channel") }
func logFraming() *logrus.Entry { return logger.WithField("sub", "framing") }
