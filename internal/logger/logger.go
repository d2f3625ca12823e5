package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	level   = zerolog.InfoLevel
	sink    io.Writer
	logPath string
)

func init() {
	sink = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// SetLevel sets the global log level from a string (trace, debug, info, warn, error).
// Unknown values keep the current level.
func SetLevel(s string) {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || l == zerolog.NoLevel {
		return
	}
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetLogFile mirrors all logging to a rotating file in addition to the console.
func SetLogFile(path string) {
	if path == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	mu.Lock()
	logPath = path
	sink = zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		rotator,
	)
	mu.Unlock()
}

// GetLogPath returns the configured log file path, if any.
func GetLogPath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logPath
}

// New returns a logger tagged with a component name.
func New(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zerolog.New(sink).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Default returns the untagged application logger.
func Default() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zerolog.New(sink).Level(level).With().Timestamp().Logger()
}
