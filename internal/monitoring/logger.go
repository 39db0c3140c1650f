// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Logger returns the current logger. It is a no-op logger until a binary
// installs one with SetLogger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		logger = zap.NewNop()
		return
	}
	logger = l
}

// Named returns a child of the current logger scoped to a component.
func Named(component string) *zap.Logger {
	return Logger().Named(component)
}

// Logf logs a printf-style diagnostic at info level.
func Logf(format string, v ...interface{}) {
	Logger().Sugar().Infof(format, v...)
}

// NewLogger builds the logger used by the binaries. Development mode gives
// human-readable console output at debug level.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
