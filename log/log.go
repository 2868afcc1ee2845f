package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// HarnessLogger is the subset of a logger the harness packages print to.
type HarnessLogger interface {
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// SetLogger replaces the package logger. A nil logger restores the
// development default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Logger returns the package logger, creating the development default on
// first use.
func Logger() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		dev, err := zap.NewDevelopment()
		if err != nil {
			dev = zap.NewNop()
		}
		logger = dev
	}
	return logger
}

// Named returns a sugared child of the package logger.
func Named(name string) HarnessLogger {
	return Logger().Named(name).Sugar()
}

func Infof(format string, v ...interface{}) {
	Logger().Sugar().Infof(format, v...)
}

func Debugf(format string, v ...interface{}) {
	Logger().Sugar().Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	Logger().Sugar().Warnf(format, v...)
}
