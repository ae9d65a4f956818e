package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Default logger
var (
	loggerMu   sync.RWMutex
	rootLogger hclog.Logger
)

// Options controls how the process logger is built
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Setup builds the process logger from opts and makes it the default
func Setup(opts Options) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "livedata",
		Level:      level,
		JSONFormat: opts.JSON,
		Output:     output,
	})
	SetLogger(logger)
	return logger
}

// SetLogger sets the process logger
func SetLogger(logger hclog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	rootLogger = logger
}

// GetLogger returns the process logger, creating an Info-level one on first use
func GetLogger() hclog.Logger {
	loggerMu.RLock()
	logger := rootLogger
	loggerMu.RUnlock()
	if logger != nil {
		return logger
	}
	return Setup(Options{})
}
