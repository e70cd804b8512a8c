// Package log provides a structured logging wrapper around logrus.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry so components can carry their own fields.
type Logger struct {
	log   *logrus.Logger
	entry *logrus.Entry
}

// New creates a logger configured from LOG_LEVEL and LOG_FORMAT.
func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)

	logger := &Logger{log: l, entry: logrus.NewEntry(l)}
	logger.SetFormat(os.Getenv("LOG_FORMAT"))
	// Default level: info. LOG_LEVEL=trace or debug for troubleshooting.
	logger.SetLevel(os.Getenv("LOG_LEVEL"))
	return logger
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{log: l, entry: logrus.NewEntry(l)}
}

// SetLevel changes the level at runtime. Unknown values are ignored.
func (l *Logger) SetLevel(level string) {
	switch level {
	case "trace":
		l.log.SetLevel(logrus.TraceLevel)
	case "debug":
		l.log.SetLevel(logrus.DebugLevel)
	case "info":
		l.log.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		l.log.SetLevel(logrus.WarnLevel)
	case "error":
		l.log.SetLevel(logrus.ErrorLevel)
	case "fatal":
		l.log.SetLevel(logrus.FatalLevel)
	}
}

// SetFormat switches between "json" and the default text output.
func (l *Logger) SetFormat(format string) {
	if format == "json" {
		l.log.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) {
	l.log.SetOutput(w)
}

// WithComponent returns a child logger tagging every line with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{log: l.log, entry: l.entry.WithField("component", name)}
}

// Trace logs trace-level messages
func (l *Logger) Trace(format string, v ...interface{}) {
	l.entry.Tracef(format, v...)
}

// Debug logs debug messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Debugf(format, v...)
}

// Info logs informational messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Infof(format, v...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// WarnWithFields logs a warning with structured fields
func (l *Logger) WarnWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Warnf(format, v...)
}

// Error logs error messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// ErrorWithFields logs an error with structured fields
func (l *Logger) ErrorWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Errorf(format, v...)
}

// Fatal logs an error message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

// WithFields creates an entry with structured fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry.WithFields(fields)
}
