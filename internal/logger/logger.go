package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global = zap.NewNop()

// Init initializes the logger. When disabled every call is a no-op. Output
// goes to logFile when set and to stdout when console is true or no file is
// configured.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	if !enabled {
		global = zap.NewNop()
		return nil
	}

	level := zap.NewAtomicLevelAt(parseLevel(levelStr))
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	if logFile != "" {
		dir := filepath.Dir(logFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}
	if console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level))
	}

	core := zapcore.NewTee(cores...)
	global = zap.New(core)
	return nil
}

func parseLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the structured logger.
func L() *zap.Logger {
	return global
}

// Sync flushes buffered entries.
func Sync() {
	_ = global.Sync()
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	global.Sugar().Debugf(format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	global.Sugar().Infof(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	global.Sugar().Warnf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	global.Sugar().Errorf(format, args...)
}
