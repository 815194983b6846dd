// Package logger wraps a process-wide zap logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu    sync.RWMutex
	log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config describes the logger outputs.
type Config struct {
	Level      string // debug | info | warn | error
	Format     string // console | json
	Output     string // stdout | file | both
	FilePath   string
	MaxSize    int // megabytes per file before rotation
	MaxBackups int
	MaxAge     int // days
}

// Init builds the process logger from cfg, replacing any previous one.
func Init(cfg *Config) {
	l := build(cfg)
	mu.Lock()
	log = l
	mu.Unlock()
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// SetLevel changes the level of the logger built by Init at runtime.
func SetLevel(name string) { level.SetLevel(ParseLevel(name)) }

func build(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{Format: "console", Output: "stdout"}
	}
	level.SetLevel(ParseLevel(cfg.Level))

	sinks := writers(cfg)
	if len(sinks) == 0 {
		return zap.NewNop()
	}
	syncers := make([]zapcore.WriteSyncer, 0, len(sinks))
	for _, w := range sinks {
		syncers = append(syncers, zapcore.AddSync(w))
	}

	core := zapcore.NewCore(encoder(cfg.Format), zapcore.NewMultiWriteSyncer(syncers...), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// writers returns the sinks selected by cfg.Output. A file output without a
// path is skipped.
func writers(cfg *Config) []io.Writer {
	var out []io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = append(out, os.Stdout)
	case "both":
		out = append(out, os.Stdout)
		fallthrough
	case "file":
		if cfg.FilePath != "" {
			out = append(out, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
			})
		}
	}
	return out
}

// L returns the process logger, building a default one on first use.
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = build(nil)
	}
	return log
}

// Replace swaps the process logger and returns a function restoring the previous one.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := log
	log = l
	mu.Unlock()
	return func() {
		mu.Lock()
		log = prev
		mu.Unlock()
	}
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
