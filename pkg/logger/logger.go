// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the encoder used by New.
type LogFormat string

const (
	// FormatConsole writes human-readable, pipe-separated lines.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON writes one JSON object per line.
	FormatJSON LogFormat = "JSON"
)

var (
	initOnce    sync.Once
	initialized bool
)

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "INFO", "PRODUCTION", "":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

func parseFormat(format string, fallback LogFormat) LogFormat {
	switch LogFormat(strings.ToUpper(format)) {
	case FormatConsole:
		return FormatConsole
	case FormatJSON:
		return FormatJSON
	default:
		return fallback
	}
}

// New creates a zap logger writing to stdout with the given level and format.
func New(level string, format LogFormat) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	}

	var encoder zapcore.Encoder
	if format == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(level)))

	return zap.New(core, zap.AddCaller())
}

// Initialize replaces the zap globals with a logger configured from
// LOGGING_LEVEL and LOGGING_FORMAT. Only the first call has an effect.
func Initialize() {
	InitializeWith(os.Getenv("LOGGING_LEVEL"), os.Getenv("LOGGING_FORMAT"))
}

// InitializeWith is Initialize with explicit settings, used when the level
// comes from the config file instead of the environment.
func InitializeWith(level, format string) {
	initOnce.Do(func() {
		f := parseFormat(format, FormatConsole)
		l := New(level, f)
		zap.ReplaceGlobals(l)
		initialized = true

		l.Debug("Logger initialized", zap.String("level", level), zap.String("format", string(f)))
	})
}

// For returns a named sugared logger for a component.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize()
	}

	return zap.S().Named(component)
}

// Sync flushes buffered entries of the global logger.
func Sync() error {
	return zap.L().Sync()
}
