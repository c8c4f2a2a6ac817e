// Package logging wraps zap behind a small global-logger facade, the way
// Lens/modules/core/pkg/logger/log wraps logrus: package-level helpers backed
// by a single swappable instance, so call sites never import zap directly.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is a convenience alias for structured key/value pairs.
type Fields map[string]any

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
)

func init() {
	_ = Init("info", "json")
}

// Init (re)configures the global logger. format is "json" or "console".
func Init(level string, format string) error {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	global = logger.Sugar()
	mu.Unlock()
	return nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func Info(args ...any)                  { get().Info(args...) }
func Infof(template string, args ...any) { get().Infof(template, args...) }
func Debug(args ...any)                  { get().Debug(args...) }
func Debugf(template string, args ...any) { get().Debugf(template, args...) }
func Warn(args ...any)                  { get().Warn(args...) }
func Warnf(template string, args ...any) { get().Warnf(template, args...) }
func Error(args ...any)                  { get().Error(args...) }
func Errorf(template string, args ...any) { get().Errorf(template, args...) }

// With returns a child logger carrying the given structured fields, mirroring
// occasional use of contextual sub-loggers in request paths.
func With(fields Fields) *zap.SugaredLogger {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return get().With(kv...)
}
