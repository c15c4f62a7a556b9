package common

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is common logging interface.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// make sure that LevelLogger implements Logger interface.
var _ Logger = (*LevelLogger)(nil)

// NewLoggerFromEnv returns a LevelLogger with the name prefix and
// severity based on the named environment variable or it
// falls back to LevelWarn if it's missing.
//
// It uses the standard log.Print function for output
// so it can be controlled via the exposed configuration methods.
func NewLoggerFromEnv(name, key string) *LevelLogger {
	return NewLogger(name, ParseLevel(os.Getenv(key)), log.Print)
}

// ParseLevel converts a level name into LogLevel, LevelWarn is returned for unknown names.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "e", "err", "error":
		return LevelError
	case "i", "info":
		return LevelInfo
	case "d", "debug":
		return LevelDebug
	default:
		return LevelWarn
	}
}

// LogLevel is logging severity.
type LogLevel uint8

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns log level string representation.
func (lvl LogLevel) String() string {
	switch lvl {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return ""
	}
}

// PrintFunc is used for writing logs that works as fmt.Print.
type PrintFunc func(v ...interface{})

// NewLogger creates a new leveled logger instance with the given parameters.
func NewLogger(name string, lvl LogLevel, print PrintFunc) *LevelLogger {
	return &LevelLogger{name: name, lvl: lvl, print: print}
}

// LevelLogger is a logger that supports log levels.
type LevelLogger struct {
	name  string
	lvl   LogLevel
	print PrintFunc
}

// Level returns the logger's severity threshold.
func (l *LevelLogger) Level() LogLevel {
	return l.lvl
}

func (l *LevelLogger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

func (l *LevelLogger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *LevelLogger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarn, format, v...)
}

func (l *LevelLogger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

func (l *LevelLogger) logf(lvl LogLevel, format string, v ...interface{}) {
	if l.print != nil && lvl <= l.lvl {
		l.print(l.name, ": ", lvl.String(), " ", fmt.Sprintf(format, v...))
	}
}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}
