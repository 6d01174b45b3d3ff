package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel describes the verbosity of a log message.
type LogLevel byte

// Log levels in decreasing order of severity.
const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelNotice
	LogLevelInfo
	LogLevelDebug
)

var logger = logrus.New()

// SetLogLevel sets the level below which messages are suppressed.
func SetLogLevel(level LogLevel) {
	switch level {
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelWarning:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelNotice, LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	}
}

// Logger returns the underlying logrus logger so the command layer can
// redirect output or change the formatter.
func Logger() *logrus.Logger {
	return logger
}

// object formats the subject prefix of a log line. A nil object logs with
// no prefix, anything else is rendered with %v the way the backends expect.
func object(o interface{}) string {
	if o == nil {
		return ""
	}
	return fmt.Sprintf("%v: ", o)
}

// Errorf writes error level output for the object passed in.
func Errorf(o interface{}, format string, a ...interface{}) {
	logger.Errorf(object(o)+format, a...)
}

// Logf writes warning level output for the object passed in.
func Logf(o interface{}, format string, a ...interface{}) {
	logger.Warnf(object(o)+format, a...)
}

// Infof writes info level output for the object passed in.
func Infof(o interface{}, format string, a ...interface{}) {
	logger.Infof(object(o)+format, a...)
}

// Debugf writes debug level output for the object passed in.
func Debugf(o interface{}, format string, a ...interface{}) {
	logger.Debugf(object(o)+format, a...)
}
