package logger

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that forwards the parsed level to a callback.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	logLevel, err := strconv.Atoi(value)
	if err != nil || logLevel <= 0 || logLevel > 127 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}

	// zap verbosity levels are negative
	return zapcore.Level(int8(-logLevel)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}
