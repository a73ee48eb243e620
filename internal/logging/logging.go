// Package logging provides structured JSONL logging for nmtwizard.
//
// Log entries go to a rotating JSONL file and, optionally, to the console.
// Each file entry is a single JSON object on its own line:
//
//	{"level":"info","timestamp":"2024-01-15T10:30:00.000Z","service":"nmtwizard","msg":"pipeline_built","operators":3}
package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// LogDir is the directory for log files
	LogDir string
	// LogFile is the log filename (not full path)
	LogFile string
	// MaxSizeMB is the maximum size in MB before rotation
	MaxSizeMB int
	// MaxBackups is the number of backup files to keep
	MaxBackups int
	// MaxAgeDays is the maximum age in days to retain logs
	MaxAgeDays int
	// EnableConsole enables console output
	EnableConsole bool
	// EnableFile enables file output
	EnableFile bool
	// ConsoleFormat is the console format (json, plain)
	ConsoleFormat string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:         "info",
		LogDir:        "logs",
		LogFile:       "nmtwizard.jsonl",
		MaxSizeMB:     10,
		MaxBackups:    5,
		MaxAgeDays:    30,
		EnableConsole: true,
		EnableFile:    true,
		ConsoleFormat: "plain",
	}
}

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	globalSugar  *zap.SugaredLogger
	// fileWriter holds the rotating file writer for cleanup
	fileWriter *lumberjack.Logger
)

// Setup initializes the global logger with the given configuration.
// Calling Setup again replaces the previous logger and closes its file.
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	jsonEncoder := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleEncoder := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var (
		cores  []zapcore.Core
		writer *lumberjack.Logger
	)

	if cfg.EnableFile {
		logPath := filepath.Join(cfg.LogDir, cfg.LogFile)
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return err
		}

		writer = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
			LocalTime:  false,
		}

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(jsonEncoder),
			zapcore.AddSync(writer),
			level,
		))
	}

	if cfg.EnableConsole {
		var encoder zapcore.Encoder
		if cfg.ConsoleFormat == "json" {
			encoder = zapcore.NewJSONEncoder(jsonEncoder)
		} else {
			encoder = zapcore.NewConsoleEncoder(consoleEncoder)
		}
		// stderr keeps stdout free for command output
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
	}

	core := zapcore.NewTee(cores...)

	hostname, _ := os.Hostname()
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).With(
		zap.String("service", "nmtwizard"),
		zap.String("hostname", hostname),
		zap.Int("pid", os.Getpid()),
	)

	mu.Lock()
	previous := fileWriter
	globalLogger = logger
	globalSugar = logger.Sugar()
	fileWriter = writer
	mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// parseLevel converts a string level to zapcore.Level.
func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	err := l.UnmarshalText([]byte(level))
	return l, err
}

// L returns the global logger. Without a prior Setup it logs to the console only.
func L() *zap.Logger {
	mu.RLock()
	logger := globalLogger
	mu.RUnlock()
	if logger != nil {
		return logger
	}
	cfg := DefaultConfig()
	cfg.EnableFile = false
	_ = Setup(cfg)
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	_ = L()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// WithRequest creates a child logger carrying request tracking fields.
func WithRequest(requestID string, operation string) *zap.Logger {
	return L().With(
		zap.String("request_id", requestID),
		zap.String("operation", operation),
	)
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	logger := globalLogger
	mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Close flushes the logger and releases the rotating file.
// The next call to L sets up a console logger again.
func Close() error {
	_ = Sync()
	mu.Lock()
	writer := fileWriter
	fileWriter = nil
	globalLogger = nil
	globalSugar = nil
	mu.Unlock()
	if writer != nil {
		return writer.Close()
	}
	return nil
}

// Path returns a field for file/directory paths.
func Path(path string) zap.Field {
	return zap.String("path", path)
}

// Count returns a field for counts/quantities.
func Count(n int) zap.Field {
	return zap.Int("count", n)
}

// Duration returns a field for time durations.
func Duration(d time.Duration) zap.Field {
	return zap.Duration("duration", d)
}

// ErrorCode returns a field for nmtwizard error codes.
func ErrorCode(code string) zap.Field {
	return zap.String("error_code", code)
}

// BatchSize returns a field for batch sizes.
func BatchSize(size int) zap.Field {
	return zap.Int("batch_size", size)
}

// Model returns a field for model names.
func Model(name string) zap.Field {
	return zap.String("model", name)
}

// Operator returns a field for pipeline operator names.
func Operator(name string) zap.Field {
	return zap.String("operator", name)
}

// Corpus returns a field for corpus base names.
func Corpus(name string) zap.Field {
	return zap.String("corpus", name)
}
