package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Logger = (*zap.SugaredLogger)(nil)

// ZapFactory returns a LoggerFactory that names a shared zap logger per module.
func ZapFactory(base *zap.Logger) LoggerFactory {
	return func(module string) Logger {
		return base.Named(module).Sugar()
	}
}

// NewConsoleLogger builds a console zap logger at the provided level.
func NewConsoleLogger(level zapcore.Level) *zap.Logger {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(ec),
		zapcore.Lock(os.Stderr),
		level,
	))
}
