// Package logging implements core.ILogger on top of zap, tee'd into an
// OpenTelemetry log bridge so every structured log line is also exported as
// an OTel log record.
package logging

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Logger wraps a *zap.Logger and implements core.ILogger.
type Logger struct {
	z *zap.Logger
}

var _ core.ILogger = (*Logger)(nil)

// Config controls logger construction.
type Config struct {
	Level       string // debug|info|warn|error
	JSON        bool
	ServiceName string
}

// New builds a Logger whose core is a zapcore.Tee of a console/JSON encoder
// and an otelzap bridge core.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	consoleCore := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	otelCore := otelzap.NewCore(cfg.ServiceName)

	core := zapcore.NewTee(consoleCore, otelCore)
	z := zap.New(core, zap.AddCaller())

	return &Logger{z: z}, nil
}

func toZapFields(fields []core.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (l *Logger) Debug(msg string, fields ...core.Field) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *Logger) Info(msg string, fields ...core.Field)  { l.z.Info(msg, toZapFields(fields)...) }
func (l *Logger) Warn(msg string, fields ...core.Field)  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *Logger) Error(msg string, fields ...core.Field) { l.z.Error(msg, toZapFields(fields)...) }
func (l *Logger) Fatal(msg string, fields ...core.Field) { l.z.Fatal(msg, toZapFields(fields)...) }

func (l *Logger) WithField(key string, value any) core.ILogger {
	return &Logger{z: l.z.With(zap.Any(key, value))}
}

func (l *Logger) WithFields(fields ...core.Field) core.ILogger {
	return &Logger{z: l.z.With(toZapFields(fields)...)}
}

// Sync flushes buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }

// Raw exposes the underlying *zap.Logger for libraries that want it
// directly (e.g. a third-party client that accepts a zap logger).
func (l *Logger) Raw() *zap.Logger { return l.z }
