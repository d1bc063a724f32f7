package logger

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls global logger construction.
type Options struct {
	Level    string // debug, info, warn, error
	FilePath string // when set, logs are also written to a rotated file
	Console  bool   // write to stderr (default true when FilePath empty)
}

var (
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

// Init builds the process-wide logger. Safe to call more than once; only the
// first call wins.
func Init(opts Options) *zap.Logger {
	initOnce.Do(func() {
		globalLogger.Store(build(opts))
	})
	return L()
}

// L returns the process-wide logger, initializing a console logger on first
// use so early code paths never receive nil.
func L() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return Init(Options{Console: true})
}

func build(opts Options) *zap.Logger {
	level := parseLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := make([]zapcore.Core, 0, 2)
	if opts.Console || opts.FilePath == "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}
	if opts.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    64, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rotated),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func parseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
