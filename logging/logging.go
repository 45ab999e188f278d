// Package logging builds the structured loggers used across embedtrain.
package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger at level ("debug", "info", "warn", "error").
// Errors go to stderr, everything below to stdout.
func New(level string) (*zap.Logger, error) {
	return NewWithSinks(level, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

// NewWithSinks is New with explicit writers for regular and error output
func NewWithSinks(level string, out, errOut zapcore.WriteSyncer) (*zap.Logger, error) {
	var minLevel zapcore.Level
	if err := minLevel.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel && lvl >= minLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && lvl >= minLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, errOut, isErrorLevel),
		zapcore.NewCore(encoder, out, isInfoLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}

// OrNop returns logger, or a no-op logger when it is nil
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
