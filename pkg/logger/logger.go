package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Leveled application logger for the auth service, backed by logrus.
// Init(level, environment) controls verbosity and output format:
// JSON in production, plain text elsewhere.

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init sets the global log level (case-insensitive: debug, info, warn, error,
// fatal) and selects the output format for the given environment. Call early
// during startup. Default level is Info.
func Init(level, environment string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	case "fatal":
		log.SetLevel(logrus.FatalLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	if environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func Debugf(format string, v ...interface{}) { log.Debugf(format, v...) }
func Infof(format string, v ...interface{})  { log.Infof(format, v...) }
func Warnf(format string, v ...interface{})  { log.Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { log.Errorf(format, v...) }
func Fatalf(format string, v ...interface{}) { log.Fatalf(format, v...) }

// Debug/Info/Warn/Error helpers that accept a single string
func Debug(v string) { log.Debug(v) }
func Info(v string)  { log.Info(v) }
func Warn(v string)  { log.Warn(v) }
func Error(v string) { log.Error(v) }

// WithFields returns an entry carrying structured fields, for call sites that
// want key/value context instead of format strings.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(logrus.Fields(fields))
}

// LevelString returns the current level as text.
func LevelString() string {
	mu.RLock()
	defer mu.RUnlock()
	return log.GetLevel().String()
}
