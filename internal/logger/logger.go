package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON zap logger that writes debug/info entries to stdout and
// warn and above to stderr. Debug entries are only emitted when debug is set.
func New(debug bool) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		return level == zapcore.InfoLevel
	})

	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), lowLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), highLevel),
	)

	return zap.New(core)
}
