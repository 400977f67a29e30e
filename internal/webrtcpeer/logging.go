package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// loggerFactory routes pion's scoped loggers into slog. Pion is chatty, so
// anything below warn is dropped unless debug is requested.
type loggerFactory struct {
	logger *slog.Logger
	min    slog.Level
}

// NewLoggerFactory returns a pion LoggerFactory writing to logger.
func NewLoggerFactory(logger *slog.Logger, debug bool) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return &loggerFactory{logger: logger, min: level}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{
		logger: f.logger.With("component", "pion", "scope", scope),
		min:    f.min,
	}
}

type leveledLogger struct {
	logger *slog.Logger
	min    slog.Level
}

// pion's trace level sits below debug.
const levelTrace = slog.LevelDebug - 4

func (l *leveledLogger) log(level slog.Level, msg string) {
	if level < l.min {
		return
	}
	l.logger.Log(context.Background(), level, msg)
}

func (l *leveledLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
