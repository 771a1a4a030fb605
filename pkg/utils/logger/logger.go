package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"codejudge/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *Logger

// Logger wraps zap and enriches each entry with the request and job
// identity carried by the context.
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
	ErrorPath  string `yaml:"errorPath"`  // error-and-above copy, file path or "stderr"
}

// Init initializes the global logger
func Init(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// NewLogger builds a zap logger writing every entry to OutputPath and a copy
// of error entries to ErrorPath.
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out, err := openSink(cfg.OutputPath, "stdout")
	if err != nil {
		return nil, err
	}
	errOut, err := openSink(cfg.ErrorPath, "stderr")
	if err != nil {
		return nil, err
	}
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, out, level),
		zapcore.NewCore(encoder.Clone(), errOut, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.ErrorLevel && l >= level
		})),
	)
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func openSink(path, def string) (zapcore.WriteSyncer, error) {
	if path == "" {
		path = def
	}
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s failed: %w", path, err)
	}
	return zapcore.AddSync(file), nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithContext returns the zap logger carrying ctx's identity fields.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	return l.zap.With(contextFields(ctx)...)
}

var stringKeys = []contextkey.Key{
	contextkey.TraceID,
	contextkey.RequestID,
	contextkey.UserID,
	contextkey.SubmissionID,
	contextkey.JobID,
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, key := range stringKeys {
		if v := ctx.Value(key); v != nil {
			fields = append(fields, zap.String(key.String(), fmt.Sprint(v)))
		}
	}
	if attempt, ok := ctx.Value(contextkey.Attempt).(int); ok {
		fields = append(fields, zap.Int(contextkey.Attempt.String(), attempt))
	}
	return fields
}

// WithJob returns a context carrying the judge job identity for log enrichment.
func WithJob(ctx context.Context, submissionID, jobID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	ctx = context.WithValue(ctx, contextkey.JobID, jobID)
	return context.WithValue(ctx, contextkey.Attempt, attempt)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Error(msg, fields...)
}

// Sync flushes the global logger
func Sync() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}

// Replace swaps the global logger for an existing zap logger.
// It returns a function restoring the previous logger.
func Replace(z *zap.Logger) func() {
	prev := globalLogger
	globalLogger = &Logger{zap: z}
	return func() { globalLogger = prev }
}
