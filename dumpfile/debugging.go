package dumpfile

import (
	"github.com/sirupsen/logrus"
)

// sanityChecks enables possibly-expensive assertion checks.
const sanityChecks = true

// Log receives the package's diagnostic messages. By default only warnings
// are printed. Raise the level to logrus.DebugLevel for progress messages, or
// to logrus.TraceLevel for per-record detail while parsing.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func printf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func logf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func verbosef(format string, args ...interface{}) {
	Log.Tracef(format, args...)
}
