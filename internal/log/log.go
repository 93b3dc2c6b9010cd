// Package log provides the structured logger used throughout the engine.
//
// It follows milvus's convention of a single package-level *zap.Logger*
// wrapped by free functions (Debug/Info/Warn/Error), so call sites read
// log.Warn("message", zap.Int64("field", v)) rather than threading a logger
// through every constructor.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_globalLogger *zap.Logger
	_globalOnce   sync.Once
)

func global() *zap.Logger {
	_globalOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logger, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
		_globalLogger = logger
	})
	return _globalLogger
}

// ReplaceGlobals swaps the package-level logger, letting callers (tests,
// embedders) redirect output or raise the level.
func ReplaceGlobals(logger *zap.Logger) {
	_globalOnce.Do(func() {})
	_globalLogger = logger
}

// With returns a child logger carrying the given structured fields.
func With(fields ...zap.Field) *zap.Logger {
	return global().With(fields...)
}

func Debug(msg string, fields ...zap.Field) {
	global().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	global().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	global().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	global().Error(msg, fields...)
}

// RecoverPanic logs a panic recovered from a background goroutine instead of
// crashing the process; it mirrors milvus's logutil.LogPanic deferred in
// every worker goroutine (e.g. compaction_trigger.go's trigger loop).
func RecoverPanic(component string) {
	if r := recover(); r != nil {
		global().Error("recovered from panic", zap.String("component", component), zap.Any("panic", r))
	}
}
