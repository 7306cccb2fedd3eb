package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

// LogConfig controls where logs go and at which level.
//
// Level is the overall minimum level. ConsoleLevel (defaults to Level) gates
// what reaches stderr. DebugFile and InfoFile, when set, receive JSON logs at
// debug and info level respectively. Development switches the console to a
// human-readable encoder. Log files rotate at MaxSizeMB (default 100).
type LogConfig struct {
	Level        string
	ConsoleLevel string
	DebugFile    string
	InfoFile     string
	Development  bool
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
}

func parseLevel(level string, fallback zapcore.Level) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return fallback
	}
}

// InitLogger initializes the global sugared logger.
func InitLogger(cfg LogConfig) error {
	base := parseLevel(cfg.Level, zapcore.InfoLevel)
	console := parseLevel(cfg.ConsoleLevel, base)
	if console < base {
		console = base
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.Development {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), console),
	}

	for _, f := range []struct {
		path  string
		level zapcore.Level
	}{
		{cfg.DebugFile, zapcore.DebugLevel},
		{cfg.InfoFile, zapcore.InfoLevel},
	} {
		if f.path == "" {
			continue
		}
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   f.path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
		lvl := f.level
		if lvl < base {
			lvl = base
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, lvl))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	z := zap.New(zapcore.NewTee(cores...), opts...)

	mu.Lock()
	logger = z.Sugar()
	mu.Unlock()
	return nil
}

// L returns the global sugared logger.
// If InitLogger has not been called, it initializes at info level.
func L() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := InitLogger(LogConfig{Level: "info"}); err != nil {
		return zap.NewNop().Sugar()
	}
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}
