package common

import (
	"encoding/json"
	"io"

	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// EchoLogrusLogger implements echo.Logger on top of a logrus entry, so
// request scoped fields such as the operation id end up in every line.
type EchoLogrusLogger struct {
	*logrus.Entry
}

func NewEchoLogrusLogger(entry *logrus.Entry) *EchoLogrusLogger {
	return &EchoLogrusLogger{Entry: entry}
}

func toEchoLevel(level logrus.Level) log.Lvl {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return log.DEBUG
	case logrus.InfoLevel:
		return log.INFO
	case logrus.WarnLevel:
		return log.WARN
	case logrus.ErrorLevel:
		return log.ERROR
	}

	return log.OFF
}

func (l *EchoLogrusLogger) logj(level logrus.Level, j log.JSON) {
	b, err := json.Marshal(j)
	if err != nil {
		l.Entry.WithError(err).Error("Cannot marshal log fields")
		return
	}
	l.Entry.Log(level, string(b))
}

func (l *EchoLogrusLogger) Output() io.Writer {
	return l.Entry.Logger.Out
}

func (l *EchoLogrusLogger) SetOutput(w io.Writer) {
	// disable operations that would change behavior of the shared logger.
}

func (l *EchoLogrusLogger) Level() log.Lvl {
	return toEchoLevel(l.Entry.Logger.GetLevel())
}

func (l *EchoLogrusLogger) SetLevel(v log.Lvl) {
	// disable operations that would change behavior of the shared logger.
}

func (l *EchoLogrusLogger) SetHeader(h string) {
}

func (l *EchoLogrusLogger) Prefix() string {
	return ""
}

func (l *EchoLogrusLogger) SetPrefix(p string) {
}

func (l *EchoLogrusLogger) Printj(j log.JSON) { l.logj(logrus.InfoLevel, j) }
func (l *EchoLogrusLogger) Debugj(j log.JSON) { l.logj(logrus.DebugLevel, j) }
func (l *EchoLogrusLogger) Infoj(j log.JSON) { l.logj(logrus.InfoLevel, j) }
func (l *EchoLogrusLogger) Warnj(j log.JSON) { l.logj(logrus.WarnLevel, j) }
func (l *EchoLogrusLogger) Errorj(j log.JSON) { l.logj(logrus.ErrorLevel, j) }
func (l *EchoLogrusLogger) Fatalj(j log.JSON) { l.logj(logrus.FatalLevel, j) }
func (l *EchoLogrusLogger) Panicj(j log.JSON) { l.logj(logrus.PanicLevel, j) }
