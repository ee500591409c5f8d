// Package logger wraps charmbracelet/log behind a process-wide logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger is a wrapper around charmbracelet/log.Logger.
type Logger struct {
	*log.Logger
}

var (
	instance *Logger
	once     sync.Once
)

// Get returns the singleton logger instance.
func Get() *Logger {
	once.Do(func() {
		instance = &Logger{
			Logger: log.NewWithOptions(os.Stderr, log.Options{
				Level:           log.InfoLevel,
				ReportTimestamp: true,
				TimeFormat:      "15:04:05",
			}),
		}
		if lvl := os.Getenv("CARAVEL_LOG_LEVEL"); lvl != "" {
			instance.SetLogLevel(lvl)
		}
	})
	return instance
}

// SetLogLevel sets the log level from a string. Unknown values fall back
// to info.
func (l *Logger) SetLogLevel(level string) {
	var logLevel log.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = log.DebugLevel
	case "info":
		logLevel = log.InfoLevel
	case "warn", "warning":
		logLevel = log.WarnLevel
	case "error":
		logLevel = log.ErrorLevel
	case "fatal":
		logLevel = log.FatalLevel
	default:
		logLevel = log.InfoLevel
	}

	l.SetLevel(logLevel)
	log.SetLevel(logLevel)
}

// With returns a sub-logger carrying the given key-value context.
func With(keyvals ...interface{}) *log.Logger {
	return Get().Logger.With(keyvals...)
}

// Debug logs a debug message.
func Debug(msg string, keyvals ...interface{}) {
	Get().Debug(msg, keyvals...)
}

// Info logs an info message.
func Info(msg string, keyvals ...interface{}) {
	Get().Info(msg, keyvals...)
}

// Warn logs a warning message.
func Warn(msg string, keyvals ...interface{}) {
	Get().Warn(msg, keyvals...)
}

// Error logs an error message.
func Error(msg string, keyvals ...interface{}) {
	Get().Error(msg, keyvals...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, keyvals ...interface{}) {
	Get().Fatal(msg, keyvals...)
}
