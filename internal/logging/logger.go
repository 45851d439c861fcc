package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MaxLogFieldLength bounds command lines and remote paths written to log fields
const MaxLogFieldLength = 256

var (
	mu            sync.Mutex
	defaultLogger *zap.Logger
)

// InitLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func InitLogger() error {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL")))

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		config.Encoding = "console"
	}

	// CLI output goes to stdout, diagnostics to stderr
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defaultLogger = logger
	mu.Unlock()

	zap.ReplaceGlobals(logger)
	return nil
}

func levelFromEnv(v string) zapcore.Level {
	switch strings.ToLower(v) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Logger returns the process logger, building a fallback on first use
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger, err = zap.NewDevelopment()
			if err != nil {
				logger = zap.NewNop()
			}
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// SetLogger replaces the process logger. Tests use it with zaptest/observer.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()

	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil {
		// stderr sync fails with EINVAL on Linux; not worth reporting
		if strings.Contains(err.Error(), "invalid argument") {
			return nil
		}
		return err
	}
	return nil
}

// Truncate shortens s to MaxLogFieldLength bytes
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes and marks the cut with "..."
func TruncateN(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and summarizes the rest
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, "... and "+strconv.Itoa(len(items)-maxItems)+" more")
}
