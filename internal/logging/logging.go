// Package logging provides global structured logging for sqrld.
// Use dot import to access L_trace/L_debug/L_info/L_warn/L_error directly.
package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Log levels, finer-grained than charmbracelet's own (it has no trace level).
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logger       *log.Logger
	once         sync.Once
	currentLevel int32 = LevelInfo
)

// Config holds logging configuration.
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig returns sensible defaults for a foreground daemon.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: false,
	}
}

// Init initializes the global logger. Safe to call multiple times.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
		})

		atomic.StoreInt32(&currentLevel, int32(cfg.Level))
		applyLevel(cfg.Level)
	})
}

func applyLevel(level int) {
	switch level {
	case LevelTrace, LevelDebug:
		logger.SetLevel(log.DebugLevel)
	case LevelInfo:
		logger.SetLevel(log.InfoLevel)
	case LevelWarn:
		logger.SetLevel(log.WarnLevel)
	case LevelError, LevelFatal:
		logger.SetLevel(log.ErrorLevel)
	}
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

// ParseLevel maps a policy-file log_level string onto our levels, defaulting to info.
func ParseLevel(s string) int {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// L_trace logs at trace level; only emitted when the level is explicitly Trace.
// Used for per-line parser/watcher chatter that would otherwise flood debug output.
func L_trace(msg string, kv ...interface{}) {
	if atomic.LoadInt32(&currentLevel) < int32(LevelTrace) {
		return
	}
	ensureInit()
	logger.Debug("TRAC "+msg, kv...)
}

// L_debug logs at debug level.
func L_debug(msg string, kv ...interface{}) {
	ensureInit()
	logger.Debug(msg, kv...)
}

// L_info logs at info level.
func L_info(msg string, kv ...interface{}) {
	ensureInit()
	logger.Info(msg, kv...)
}

// L_warn logs at warn level.
func L_warn(msg string, kv ...interface{}) {
	ensureInit()
	logger.Warn(msg, kv...)
}

// L_error logs at error level.
func L_error(msg string, kv ...interface{}) {
	ensureInit()
	logger.Error(msg, kv...)
}

// L_fatal logs at fatal level and exits the process.
func L_fatal(msg string, kv ...interface{}) {
	ensureInit()
	logger.Fatal(msg, kv...)
}

// SetLevel changes the log level at runtime.
func SetLevel(level int) {
	ensureInit()
	atomic.StoreInt32(&currentLevel, int32(level))
	applyLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() int {
	return int(atomic.LoadInt32(&currentLevel))
}
