// Package logger builds the process zap logger and adapts it to core.Logger.
package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	Dev   bool
}

// ConfigFromEnv reads LOG_LEVEL and LOG_DEV.
func ConfigFromEnv() Config {
	dev := os.Getenv("LOG_DEV") == "1" || strings.EqualFold(os.Getenv("LOG_DEV"), "true")
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		if dev {
			lvl = "debug"
		} else {
			lvl = "info"
		}
	}
	return Config{Level: lvl, Dev: dev}
}

func levelFromString(l string) zapcore.Level {
	switch strings.ToLower(l) {
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

// New builds a logger writing JSON to stdout, or the zap development console
// format when cfg.Dev is set.
func New(cfg Config) (*zap.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	if cfg.Dev {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), lvl)
		return zap.New(core, zap.AddCaller(), zap.Development()), nil
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Sugared adapts a zap logger to the key/value Logger used by the service
// layer and the HTTP handlers.
type Sugared struct {
	s *zap.SugaredLogger
}

// Adapt wraps l. The caller skip points log lines at the service call site.
func Adapt(l *zap.Logger) Sugared {
	return Sugared{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l Sugared) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l Sugared) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l Sugared) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l Sugared) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

// Sync flushes buffered entries.
func (l Sugared) Sync() error { return l.s.Sync() }
