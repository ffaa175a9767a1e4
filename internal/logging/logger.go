// Package logging provides structured logging backed by Zap
package logging

import (
	"fmt"
	"os"
	"strings"

	"trade_engine/internal/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger using zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a new ZapLogger at the given level string.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	var zapLevel zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		zapLevel = zap.DebugLevel
	case "INFO":
		zapLevel = zap.InfoLevel
	case "WARN":
		zapLevel = zap.WarnLevel
	case "ERROR":
		zapLevel = zap.ErrorLevel
	case "FATAL":
		zapLevel = zap.FatalLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelStr)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zcore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	logger := zap.New(zcore, zap.AddCaller(), zap.AddCallerSkip(1))

	return &ZapLogger{logger: logger}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() core.ILogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// convertToZapFields converts variadic key/value pairs to zap fields.
func convertToZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, convertToZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, convertToZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, convertToZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, convertToZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, convertToZapFields(fields)...)
}

// WithField returns a logger with an additional bound field.
func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

// WithFields returns a logger with additional bound fields.
func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
