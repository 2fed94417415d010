// Package logger wraps a process-wide zap logger writing a colored console
// stream plus rotated JSON files. Every entry carries the plugin (or
// subsystem) name it originated from.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Thulrus/ParallaxIndex/pkg/config"
)

// Logger aliases zap.Logger so callers needing the raw handle do not import
// zap just for the type.
type Logger = zap.Logger

var (
	baseLogger  *zap.Logger
	initOnce    sync.Once
	initialized bool
)

// Init builds the global logger once. Subsequent calls are no-ops.
func Init(cfg config.ZapLogConfig) error {
	var err error
	initOnce.Do(func() {
		level := zapcore.InfoLevel
		switch strings.ToLower(cfg.Level) {
		case "debug":
			level = zapcore.DebugLevel
		case "info":
			level = zapcore.InfoLevel
		case "warn":
			level = zapcore.WarnLevel
		case "error":
			level = zapcore.ErrorLevel
		case "panic":
			level = zapcore.PanicLevel
		case "fatal":
			level = zapcore.FatalLevel
		}

		if err = os.MkdirAll(cfg.Path, 0o755); err != nil {
			return
		}

		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = 7
		}
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		writer, wErr := rotatelogs.New(
			filepath.Join(cfg.Path, "parallax-%Y%m%d.log"),
			rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithRotationSize(int64(maxSize)*1024*1024),
		)
		if wErr != nil {
			err = wErr
			return
		}

		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.ConsoleSeparator = " "
		consoleCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000 -07:00"))
		}
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			rel := filepath.Join(filepath.Base(filepath.Dir(c.File)), filepath.Base(c.File))
			enc.AppendString(fmt.Sprintf("%s:%d", rel, c.Line))
		}

		jsonCfg := zap.NewProductionEncoderConfig()
		jsonCfg.TimeKey = "timestamp"
		jsonCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000 -07:00"))
		}
		jsonCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

		core := zapcore.NewTee(
			zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), level),
			zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(writer), level),
		)

		baseLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
		initialized = true
	})
	return err
}

func log(level zapcore.Level, msg string, plugin string, fields ...zapcore.Field) {
	if !initialized {
		panic("logger not initialized: call logger.Init() first")
	}
	l := baseLogger
	if plugin != "" {
		l = l.With(zap.String("plugin", plugin))
	}
	switch level {
	case zap.DebugLevel:
		l.Debug(msg, fields...)
	case zap.InfoLevel:
		l.Info(msg, fields...)
	case zap.WarnLevel:
		l.Warn(msg, fields...)
	case zap.ErrorLevel:
		l.Error(msg, fields...)
	case zap.PanicLevel:
		l.Panic(msg, fields...)
	case zap.FatalLevel:
		l.Fatal(msg, fields...)
	}
}

// Debug logs at debug level; plugin tags the originating subsystem.
func Debug(msg string, plugin string, fields ...zapcore.Field) {
	log(zap.DebugLevel, msg, plugin, fields...)
}

// Info logs at info level.
func Info(msg string, plugin string, fields ...zapcore.Field) {
	log(zap.InfoLevel, msg, plugin, fields...)
}

// Warn logs at warn level.
func Warn(msg string, plugin string, fields ...zapcore.Field) {
	log(zap.WarnLevel, msg, plugin, fields...)
}

// Error logs at error level.
func Error(msg string, plugin string, fields ...zapcore.Field) {
	log(zap.ErrorLevel, msg, plugin, fields...)
}

// Fatal logs and exits.
func Fatal(msg string, plugin string, fields ...zapcore.Field) {
	log(zap.FatalLevel, msg, plugin, fields...)
}

// Sync flushes buffered entries. Safe before Init.
func Sync() error {
	if !initialized {
		return nil
	}
	return baseLogger.Sync()
}

// GetLogger returns the raw zap handle for collaborators that need one.
func GetLogger() *zap.Logger {
	if !initialized {
		panic("logger not initialized: call logger.Init() first")
	}
	return baseLogger
}
