package livedata

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	loggerMu      sync.RWMutex
	packageLogger hclog.Logger
)

// SetLogger sets the default logger for the livedata package
func SetLogger(logger hclog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	packageLogger = logger
}

// GetLogger returns the default logger for the livedata package
func GetLogger() hclog.Logger {
	loggerMu.RLock()
	logger := packageLogger
	loggerMu.RUnlock()
	if logger != nil {
		return logger
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if packageLogger == nil {
		packageLogger = hclog.New(&hclog.LoggerOptions{
			Name:  "livedata",
			Level: hclog.Info,
		})
	}
	return packageLogger
}
