package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// New creates a logrus logger writing to out. level is a logrus level name
// ("debug", "info", ...); format is "text" or "json".
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)

	switch strings.TrimSpace(format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// PionFactory routes pion's internal logging through logrus, tagging each
// line with the pion scope ("ice", "dtls", "sctp", ...).
type PionFactory struct {
	Logger logrus.FieldLogger
}

var _ logging.LoggerFactory = PionFactory{}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{entry: f.Logger.WithField("pion", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

// pion is chatty at trace and debug; both map to logrus trace.
func (l pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l pionLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
