// Package logger builds the logr.Logger used by the bingo-ocd binaries.
package logger

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New returns a human readable stderr logger named name, at info level.
func New(name string) *Logger {
	return newLogger(name, zapcore.Lock(os.Stderr))
}

// NewWithWriter is New writing to w instead of stderr.
func NewWithWriter(name string, w io.Writer) *Logger {
	return newLogger(name, zapcore.AddSync(w))
}

func newLogger(name string, out zapcore.WriteSyncer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	atomicLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	zapLogger := zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), out, atomicLevel))

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetLevelString applies a level name or verbosity number, see StringToLevel.
func (l *Logger) SetLevelString(value string) error {
	level, err := StringToLevel(value, zap.InfoLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting stderr log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(l.SetLevel)
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or a positive integer for increasing debug verbosity.")
}
