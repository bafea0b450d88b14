// Package logger provides the structured zap-backed logger used across conductor.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the logging level
type Level int

const (
	// DebugLevel logs everything
	DebugLevel Level = iota
	// InfoLevel logs info, warnings, and errors
	InfoLevel
	// WarnLevel logs warnings and errors
	WarnLevel
	// ErrorLevel logs only errors
	ErrorLevel
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// LevelFromString converts a string to a log level
func LevelFromString(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Output formats. Anything other than FormatJSON gets the console encoder.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

const envPrefix = "CONDUCTOR_LOG_"

// Config selects level, encoder and extras for New.
type Config struct {
	Level      Level
	Format     string
	Caller     bool
	Stacktrace string // "error", "panic" or empty for none
}

// ConfigFromEnv reads CONDUCTOR_LOG_LEVEL, _FORMAT, _CALLER and _STACKTRACE.
func ConfigFromEnv() *Config {
	cfg := &Config{Level: InfoLevel, Format: FormatConsole, Stacktrace: "panic"}
	if v := os.Getenv(envPrefix + "LEVEL"); v != "" {
		cfg.Level = LevelFromString(v)
	}
	if v := os.Getenv(envPrefix + "FORMAT"); v != "" {
		cfg.Format = strings.ToLower(v)
	}
	cfg.Caller = os.Getenv(envPrefix+"CALLER") == "true"
	if v := os.Getenv(envPrefix + "STACKTRACE"); v != "" {
		cfg.Stacktrace = strings.ToLower(v)
	}
	return cfg
}

// IsDevelopment reports whether the console encoder is used.
func (c *Config) IsDevelopment() bool {
	return c.Format != FormatJSON
}

// Logger is a structured logger carrying contextual fields.
type Logger struct {
	z     *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
)

func init() {
	if l, err := New(ConfigFromEnv()); err == nil {
		globalLogger = l
	} else {
		globalLogger = NewNop()
	}
}

// New builds a logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var zc zap.Config
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	zc.DisableCaller = !cfg.Caller
	zc.DisableStacktrace = true

	opts := []zap.Option{zap.AddCallerSkip(1)}
	switch cfg.Stacktrace {
	case "error":
		opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	case "panic":
		opts = append(opts, zap.AddStacktrace(zap.PanicLevel))
	}

	z, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	return FromZap(z), nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z, sugar: z.Sugar()}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return FromZap(zap.NewNop())
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

func (l *Logger) with(fields ...zap.Field) *Logger {
	return FromZap(l.z.With(fields...))
}

// WithField adds a single field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return l.with(zapFields...)
}

// WithError adds error context to the logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(zap.Error(err), zap.String("error_type", fmt.Sprintf("%T", err)))
}

// WithRun tags every entry with the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.with(zap.String("run_id", runID))
}

// WithDuration adds a duration field to the logger
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(
		zap.Duration("duration", d),
		zap.Float64("duration_ms", float64(d.Nanoseconds())/1e6),
	)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) { l.z.Debug(msg) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an info message
func (l *Logger) Info(msg string) { l.z.Info(msg) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string) { l.z.Warn(msg) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(msg string) { l.z.Error(msg) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

// SetLogger sets the global logger instance
func SetLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}
