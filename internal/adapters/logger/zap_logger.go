package logger

import (
	"dev.forensix.extract-engine/internal/core/ports"
	"go.uber.org/zap"
)

// ZapLogger implements the Logger port using zap.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// NewZapLogger creates a production ZapLogger.
func NewZapLogger() (*ZapLogger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: logger.Sugar()}, nil
}

// NewNopLogger returns a logger that discards everything. Used by
// tests and as the default when no logger is injected.
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop().Sugar()}
}

// Debug implements Logger.Debug
func (l *ZapLogger) Debug(msg string, args ...interface{}) {
	l.logger.Debugw(msg, args...)
}

// Info implements Logger.Info
func (l *ZapLogger) Info(msg string, args ...interface{}) {
	l.logger.Infow(msg, args...)
}

// Warn implements Logger.Warn
func (l *ZapLogger) Warn(msg string, args ...interface{}) {
	l.logger.Warnw(msg, args...)
}

// Error implements Logger.Error
func (l *ZapLogger) Error(msg string, args ...interface{}) {
	l.logger.Errorw(msg, args...)
}

// Fatal implements Logger.Fatal
func (l *ZapLogger) Fatal(msg string, args ...interface{}) {
	l.logger.Fatalw(msg, args...)
}

// With implements Logger.With
func (l *ZapLogger) With(args ...interface{}) ports.Logger {
	return &ZapLogger{logger: l.logger.With(args...)}
}
