/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package logging

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog adapts a zerolog writer to the Logger interface.
// Key/value pairs become structured fields of the emitted event.
func NewZerolog(w io.Writer, level LogLevel) Logger {
	return &zerologLogger{
		logger: zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger(),
	}
}

// FromZerolog wraps an already configured zerolog.Logger.
func FromZerolog(logger zerolog.Logger) Logger {
	return &zerologLogger{logger: logger}
}

func (zl *zerologLogger) Log(level LogLevel, text string, args ...interface{}) {
	event := zl.logger.WithLevel(zerologLevel(level))
	if event == nil {
		return
	}

	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			event = event.Str(key, "%MISSING%")
			break
		}
		switch v := args[i+1].(type) {
		case []byte:
			event = event.Hex(key, v)
		case error:
			event = event.AnErr(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	event.Msg(text)
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
