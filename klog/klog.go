// Package klog wraps go.uber.org/zap with the call-site shape the teacher's
// hand-rolled cmn/nlog uses: per-subsystem named loggers and a fast
// verbosity gate so an expensive log line isn't built when nobody will see
// it.
package klog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	base   *zap.Logger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	verbose int32 // fast verbosity gate, analogous to cmn.Rom.FastV
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// SetLevel adjusts the global minimum log level at runtime.
func SetLevel(lvl zapcore.Level) { level.SetLevel(lvl) }

// SetVerbosity sets the fast-path verbosity threshold consulted by FastV(n).
func SetVerbosity(v int) { atomic.StoreInt32(&verbose, int32(v)) }

// Logger is a named sub-logger for one kernel subsystem (store, queue, gc,
// vat, remote, kernel, …), mirroring the teacher's cos.Smodule* split.
type Logger struct {
	z *zap.SugaredLogger
}

// Named returns (and caches nothing — cheap enough to call once per
// package-level var) the sub-logger for a subsystem name.
func Named(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	return &Logger{z: base.Named(name).Sugar()}
}

func (l *Logger) Infow(msg string, kv ...any)  { l.z.Infow(msg, kv...) }
func (l *Logger) Warnw(msg string, kv ...any)  { l.z.Warnw(msg, kv...) }
func (l *Logger) Errorw(msg string, kv ...any) { l.z.Errorw(msg, kv...) }
func (l *Logger) Debugw(msg string, kv ...any) { l.z.Debugw(msg, kv...) }

// FastV reports whether verbosity level n is currently enabled, so callers
// can skip building log fields entirely on the hot path:
//
//	if klog.FastV(4) { log.Debugw("crank step", "kref", kref, ...) }
func FastV(n int) bool { return atomic.LoadInt32(&verbose) >= int32(n) }

// Sync flushes buffered log entries.
func Sync() { _ = base.Sync() }
