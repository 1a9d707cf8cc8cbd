package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is a logging level name
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
	LevelPanic LogLevel = "panic"
)

// LogFormat selects the output encoding
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logger configuration
type Config struct {
	Level      LogLevel  `yaml:"level" json:"level"`
	Format     LogFormat `yaml:"format" json:"format"`
	Output     string    `yaml:"output" json:"output"` // stdout, stderr, file
	Filename   string    `yaml:"filename" json:"filename"`
	MaxSize    int       `yaml:"max_size" json:"max_size"` // MB per file
	MaxAge     int       `yaml:"max_age" json:"max_age"`   // days
	MaxBackups int       `yaml:"max_backups" json:"max_backups"`
	Compress   bool      `yaml:"compress" json:"compress"`
	Caller     bool      `yaml:"caller" json:"caller"`
	Timestamp  bool      `yaml:"timestamp" json:"timestamp"`
}

// DefaultConfig is the configuration used before Init is called
var DefaultConfig = Config{
	Level:      LevelInfo,
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 10,
	Compress:   true,
	Caller:     true,
	Timestamp:  true,
}

// Logger is the structured logging interface used across the codebase
type Logger interface {
	Trace(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	Panic(msg string, fields ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger

	SetLevel(level LogLevel)
	GetLevel() LogLevel
}

// StructuredLogger wraps logrus behind the Logger interface
type StructuredLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
	config Config
	mu     sync.RWMutex
}

// NewLogger creates a logger from the given configuration
func NewLogger(config Config) Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		filename := filepath.Base(f.File)
		return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
	}

	if config.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    config.Timestamp,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		if config.Filename == "" {
			config.Filename = "logs/quantback.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.Filename), 0755); err != nil {
			fmt.Printf("Failed to create log directory: %v\n", err)
			output = os.Stdout
		} else {
			output = &lumberjack.Logger{
				Filename:   config.Filename,
				MaxSize:    config.MaxSize,
				MaxAge:     config.MaxAge,
				MaxBackups: config.MaxBackups,
				Compress:   config.Compress,
			}
		}
	default:
		output = os.Stdout
	}

	logger.SetOutput(output)
	logger.SetReportCaller(config.Caller)

	return &StructuredLogger{
		logger: logger,
		entry:  logrus.NewEntry(logger),
		config: config,
	}
}

func (l *StructuredLogger) Trace(msg string, fields ...interface{}) {
	l.logWithFields(logrus.TraceLevel, msg, fields...)
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields...)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields...)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields...)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.logWithFields(logrus.ErrorLevel, msg, fields...)
}

func (l *StructuredLogger) Fatal(msg string, fields ...interface{}) {
	l.logWithFields(logrus.FatalLevel, msg, fields...)
}

func (l *StructuredLogger) Panic(msg string, fields ...interface{}) {
	l.logWithFields(logrus.PanicLevel, msg, fields...)
}

// WithField returns a logger with an additional field
func (l *StructuredLogger) WithField(key string, value interface{}) Logger {
	return &StructuredLogger{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
		config: l.config,
	}
}

// WithFields returns a logger with additional fields
func (l *StructuredLogger) WithFields(fields map[string]interface{}) Logger {
	return &StructuredLogger{
		logger: l.logger,
		entry:  l.entry.WithFields(fields),
		config: l.config,
	}
}

// WithContext attaches the context to subsequent log entries
func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	entry := l.entry.WithContext(ctx)

	if runID := ctx.Value("run_id"); runID != nil {
		entry = entry.WithField("run_id", runID)
	}

	return &StructuredLogger{
		logger: l.logger,
		entry:  entry,
		config: l.config,
	}
}

// SetLevel changes the logging level
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logrusLevel, err := logrus.ParseLevel(string(level))
	if err != nil {
		return
	}

	l.logger.SetLevel(logrusLevel)
	l.config.Level = level
}

// GetLevel returns the current logging level
func (l *StructuredLogger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.config.Level
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields ...interface{}) {
	entry := l.entry

	// fields are alternating key/value pairs
	if len(fields) > 0 {
		fieldMap := make(map[string]interface{})
		for i := 0; i < len(fields)-1; i += 2 {
			if key, ok := fields[i].(string); ok && i+1 < len(fields) {
				fieldMap[key] = fields[i+1]
			}
		}
		if len(fieldMap) > 0 {
			entry = entry.WithFields(fieldMap)
		}
	}

	entry.Log(level, msg)
}

var globalLogger Logger

func init() {
	globalLogger = NewLogger(DefaultConfig)
}

// Init replaces the global logger with one built from config
func Init(config Config) {
	globalLogger = NewLogger(config)
}

// SetGlobalLogger replaces the global logger
func SetGlobalLogger(logger Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the global logger
func GetGlobalLogger() Logger {
	return globalLogger
}

func Trace(msg string, fields ...interface{}) { globalLogger.Trace(msg, fields...) }
func Debug(msg string, fields ...interface{}) { globalLogger.Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { globalLogger.Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { globalLogger.Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { globalLogger.Error(msg, fields...) }
func Fatal(msg string, fields ...interface{}) { globalLogger.Fatal(msg, fields...) }

// WithField adds a field on the global logger
func WithField(key string, value interface{}) Logger {
	return globalLogger.WithField(key, value)
}

// WithFields adds fields on the global logger
func WithFields(fields map[string]interface{}) Logger {
	return globalLogger.WithFields(fields)
}

// WithContext attaches a context on the global logger
func WithContext(ctx context.Context) Logger {
	return globalLogger.WithContext(ctx)
}

// RequestLogger records HTTP request logs with level picked by status code
type RequestLogger struct {
	logger Logger
}

// NewRequestLogger creates a request logger
func NewRequestLogger(logger Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// LogRequest records one HTTP request
func (rl *RequestLogger) LogRequest(method, path string, statusCode int, latency time.Duration, fields map[string]interface{}) {
	msg := fmt.Sprintf("%s %s - %d", method, path, statusCode)

	logFields := map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"latency":     latency.String(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	if statusCode >= 500 {
		rl.logger.WithFields(logFields).Error(msg)
	} else if statusCode >= 400 {
		rl.logger.WithFields(logFields).Warn(msg)
	} else {
		rl.logger.WithFields(logFields).Info(msg)
	}
}

// PerformanceLogger records operation timings
type PerformanceLogger struct {
	logger Logger
}

// NewPerformanceLogger creates a performance logger
func NewPerformanceLogger(logger Logger) *PerformanceLogger {
	return &PerformanceLogger{logger: logger}
}

// LogPerformance records one timed operation
func (pl *PerformanceLogger) LogPerformance(operation string, duration time.Duration, fields map[string]interface{}) {
	logFields := map[string]interface{}{
		"operation":   operation,
		"duration":    duration.String(),
		"duration_ms": duration.Milliseconds(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	msg := fmt.Sprintf("Performance: %s took %s", operation, duration.String())

	if duration > 5*time.Second {
		pl.logger.WithFields(logFields).Warn(msg)
	} else {
		pl.logger.WithFields(logFields).Info(msg)
	}
}
