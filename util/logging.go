package util

import (
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NullLogger returns a logger that discards everything, used when no logger
// is configured.
func NullLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

// OrNull returns log, or a NullLogger if log is nil.
func OrNull(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return NullLogger()
	}
	return log
}

// StreamLogger attaches the stream id field used across the relay.
func StreamLogger(log logrus.FieldLogger, id uint32) logrus.FieldLogger {
	return OrNull(log).WithField("stream", id)
}

// SessionLogger attaches the session id field used across the relay.
func SessionLogger(log logrus.FieldLogger, id uint64) logrus.FieldLogger {
	return OrNull(log).WithField("session", id)
}
