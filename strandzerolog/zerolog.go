// Package strandzerolog adapts github.com/rs/zerolog to the fiber
// package's structured Logger interface, the way logiface-zerolog adapts
// zerolog to logiface: a thin Logger implementation translating one
// package's log record shape into zerolog's builder API, installed via
// fiber.SetStructuredLogger or fiber.WithLogger.
package strandzerolog

import (
	"github.com/rs/zerolog"

	"github.com/joeycumines/go-strand/fiber"
)

// Logger implements fiber.Logger by writing every LogEntry through a
// zerolog.Logger.
type Logger struct {
	Z zerolog.Logger
}

// New wraps z as a fiber.Logger.
func New(z zerolog.Logger) *Logger {
	return &Logger{Z: z}
}

func toZerologLevel(l fiber.LogLevel) zerolog.Level {
	switch l {
	case fiber.LevelDebug:
		return zerolog.DebugLevel
	case fiber.LevelInfo:
		return zerolog.InfoLevel
	case fiber.LevelWarn:
		return zerolog.WarnLevel
	case fiber.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}

// IsEnabled reports whether z would actually emit a message at level,
// consulting zerolog's own configured level so callers can skip building
// expensive LogEntry fields when logging at that level is disabled.
func (l *Logger) IsEnabled(level fiber.LogLevel) bool {
	return l.Z.GetLevel() <= toZerologLevel(level)
}

// Log writes entry through the wrapped zerolog.Logger.
func (l *Logger) Log(entry fiber.LogEntry) {
	ev := l.Z.WithLevel(toZerologLevel(entry.Level))
	if ev == nil {
		return
	}
	if entry.Category != "" {
		ev = ev.Str("category", entry.Category)
	}
	if entry.FiberID != 0 {
		ev = ev.Int64("fiber_id", entry.FiberID)
	}
	if entry.Err != nil {
		ev = ev.Err(entry.Err)
	}
	ev.Msg(entry.Message)
}
