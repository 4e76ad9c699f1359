package observ

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop()
)

// Init configures the process-wide structured logger. level is a zap level
// string ("debug", "info", ...); production enables sampling.
func Init(level string, production bool) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "event"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return err
	}

	logMu.Lock()
	logger = l
	logMu.Unlock()
	return nil
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	_ = logger.Sync()
}

// Log emits a structured event with the given key/value fields.
// Field order in the output is stable (sorted by key).
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	if len(kv) == 0 {
		l.Info(event)
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(kv))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, kv[k]))
	}
	l.Info(event, fields...)
}

// Warn emits a structured warning event.
func Warn(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	l.Warn(event, fields...)
}

// Error emits a structured error event.
func Error(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make([]zap.Field, 0, len(kv)+1)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	l.Error(event, fields...)
}
