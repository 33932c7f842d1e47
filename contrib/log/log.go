// Package log is a thin leveled-logging facade over zap, rotated via
// lumberjack. It mirrors the call surface used throughout this repo:
// log.NewHelper(logger).Infof(...), log.With(logger, kv...), log.Context(ctx).
package log

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the minimal structured-logging interface every component
// depends on, so it can be swapped or wrapped (e.g. With) without touching
// call sites.
type Logger interface {
	Log(level Level, keyvals ...any)
}

// Config configures the rotating file sink. Path == "" logs to stderr only.
type Config struct {
	Level      string
	Path       string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
}

type zapLogger struct {
	z *zap.SugaredLogger
}

func NewZap(c *Config) Logger {
	level := parseLevel(c.Level)

	cores := make([]zapcore.Core, 0, 2)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), toZapLevel(level)))

	if c.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    orDefault(c.MaxSize, 128),
			MaxAge:     orDefault(c.MaxAge, 7),
			MaxBackups: orDefault(c.MaxBackups, 5),
			Compress:   c.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), toZapLevel(level)))
	}

	core := zapcore.NewTee(cores...)
	return &zapLogger{z: zap.New(core).Sugar()}
}

func (l *zapLogger) Log(level Level, keyvals ...any) {
	switch level {
	case LevelDebug:
		l.z.Debugw("", keyvals...)
	case LevelWarn:
		l.z.Warnw("", keyvals...)
	case LevelError:
		l.z.Errorw("", keyvals...)
	default:
		l.z.Infow("", keyvals...)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func toZapLevel(l Level) zapcore.LevelEnabler {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// filteringLogger wraps a Logger with fixed key/value pairs prepended to
// every call, the same role as kratos-style log.With.
type filteringLogger struct {
	next Logger
	kv   []any
}

func With(l Logger, kv ...any) Logger {
	return &filteringLogger{next: l, kv: kv}
}

func (f *filteringLogger) Log(level Level, keyvals ...any) {
	f.next.Log(level, append(append([]any{}, f.kv...), keyvals...)...)
}

var defaultLogger atomic.Value // Logger

func init() {
	defaultLogger.Store(NewZap(&Config{Level: "info"}))
}

func SetLogger(l Logger) {
	defaultLogger.Store(l)
}

func GetLogger() Logger {
	return defaultLogger.Load().(Logger)
}

// Helper wraps a Logger with printf-style convenience methods.
type Helper struct {
	logger Logger
	level  Level // not read: Enabled reports true for every level
}

func NewHelper(l Logger) *Helper {
	return &Helper{logger: l}
}

func (h *Helper) Debugf(format string, args ...any) { h.logf(LevelDebug, format, args...) }
func (h *Helper) Infof(format string, args ...any)  { h.logf(LevelInfo, format, args...) }
func (h *Helper) Warnf(format string, args ...any)  { h.logf(LevelWarn, format, args...) }
func (h *Helper) Errorf(format string, args ...any) { h.logf(LevelError, format, args...) }

// Fatalf logs at error level then terminates the process, for call sites
// that cannot proceed past a setup failure (listener bind, config scan).
func (h *Helper) Fatalf(format string, args ...any) {
	h.logf(LevelError, format, args...)
	os.Exit(1)
}

func (h *Helper) logf(level Level, format string, args ...any) {
	h.logger.Log(level, "msg", sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

type ctxKey struct{}

// Context returns the Helper stored in ctx by WithContext, or a Helper on
// the default logger if there is none.
func Context(ctx context.Context) *Helper {
	if v := ctx.Value(ctxKey{}); v != nil {
		if h, ok := v.(*Helper); ok {
			return h
		}
	}
	return NewHelper(GetLogger())
}

func WithContext(ctx context.Context, h *Helper) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

func Enabled(level Level) bool {
	return true // zap cores filter per-level internally; kept for call-site parity
}

// Package-level convenience funcs bound to the default logger, matching
// call sites that use log.Infof/log.Debugf/log.Fatal directly.
func Debugf(format string, args ...any) { NewHelper(GetLogger()).Debugf(format, args...) }
func Infof(format string, args ...any)  { NewHelper(GetLogger()).Infof(format, args...) }
func Warnf(format string, args ...any)  { NewHelper(GetLogger()).Warnf(format, args...) }
func Errorf(format string, args ...any) { NewHelper(GetLogger()).Errorf(format, args...) }
func Debug(msg string)                  { NewHelper(GetLogger()).Debugf(msg) }

func Fatal(err error) {
	NewHelper(GetLogger()).Errorf("fatal: %v", err)
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	NewHelper(GetLogger()).Errorf(format, args...)
	os.Exit(1)
}
