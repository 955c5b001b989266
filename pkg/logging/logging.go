// Package logging provides the structured logger shared by every component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// Default is the process-wide logger. Components pull fields off it rather
// than constructing their own, so log lines share one format and level.
var Default = New()

// New builds a logrus logger writing JSON to stdout at info level.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// WithConsumer returns an entry tagged with the consumer/instance/namespace
// labels every admission and forwarding log line carries per the error
// handling design.
func WithConsumer(consumer, namespace, instance string) *logrus.Entry {
	return Default.WithFields(logrus.Fields{
		"consumer":  consumer,
		"namespace": namespace,
		"instance":  instance,
	})
}

// WithErrKind tags log with err and the error-kind classification
// proxyerr.KindOf derives from it, so every error log line carries a
// consistent err_kind field per spec.md §7. log may be Default itself or an
// entry already carrying consumer/instance/namespace fields.
func WithErrKind(log logrus.FieldLogger, err error) *logrus.Entry {
	return log.WithError(err).WithField("err_kind", string(proxyerr.KindOf(err)))
}
