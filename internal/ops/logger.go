// Package ops provides the structured logging and metrics surface shared
// by every component of the daemon. Logging follows the same shape as
// the teacher's ops.Logger: a small interface wrapping logrus, decorated
// with persistent fields per component/agreement/subscription, so a
// handler never has to thread a *logrus.Entry through every call.
package ops

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Logger is the logging interface every component is constructed with.
type Logger interface {
	// Log writes a log event at the given level with additional fields.
	Log(level log.Level, fields log.Fields, message string)
	// With returns a Logger that always includes the given fields.
	With(fields log.Fields) Logger
	// Level reports the effective filtering level.
	Level() log.Level
}

// NewLogger returns the root Logger, backed by logrus' standard logger.
func NewLogger() Logger {
	return stdLogger{}
}

type stdLogger struct{}

func (stdLogger) Level() log.Level { return log.GetLevel() }

func (stdLogger) Log(level log.Level, fields log.Fields, message string) {
	if level > log.GetLevel() {
		return
	}
	log.WithFields(fields).Log(level, message)
}

func (l stdLogger) With(fields log.Fields) Logger {
	return &withFieldsLogger{delegate: l, add: fields}
}

// withFieldsLogger decorates a delegate Logger with a fixed set of
// fields, merged into every call. Mirrors go/flow/ops/logger.go's
// withFieldsLogger, including its avoid-the-map-copy-when-unused
// optimization.
type withFieldsLogger struct {
	delegate Logger
	add      log.Fields
}

func (l *withFieldsLogger) Level() log.Level { return l.delegate.Level() }

func (l *withFieldsLogger) Log(level log.Level, fields log.Fields, message string) {
	if level > l.delegate.Level() {
		return
	}
	if len(fields) == 0 {
		l.delegate.Log(level, l.add, message)
		return
	}
	merged := make(log.Fields, len(fields)+len(l.add))
	for k, v := range l.add {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.delegate.Log(level, merged, message)
}

func (l *withFieldsLogger) With(fields log.Fields) Logger {
	merged := make(log.Fields, len(fields)+len(l.add))
	for k, v := range l.add {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &withFieldsLogger{delegate: l.delegate, add: merged}
}

// Infof, Warnf, Errorf and Debugf are thin convenience wrappers matching
// the call shape used throughout internal/{market,task,payment}.

func Infof(l Logger, format string, args ...interface{}) {
	l.Log(log.InfoLevel, nil, fmt.Sprintf(format, args...))
}

func Warnf(l Logger, format string, args ...interface{}) {
	l.Log(log.WarnLevel, nil, fmt.Sprintf(format, args...))
}

func Errorf(l Logger, format string, args ...interface{}) {
	l.Log(log.ErrorLevel, nil, fmt.Sprintf(format, args...))
}

func Debugf(l Logger, format string, args ...interface{}) {
	l.Log(log.DebugLevel, nil, fmt.Sprintf(format, args...))
}
