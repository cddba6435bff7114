// Package logger defines the structured logging contract used by every component of the service.
// Entries are JSON lines written synchronously to the console and, optionally, appended to a log file.
package logger

import (
	"context"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Logger defines the contract for structured logging throughout the application.
//
// Log is the entry-oriented form used by request handlers. The fluent Info/Warn/... builders
// are kept for component diagnostics where fields are added one at a time.
type Logger interface {
	// Log writes one entry. fields and err are optional (nil). When err is non-nil the message
	// becomes "<msg>: <err>" and the error's stack trace is attached when it carries one.
	// Keys in fields never replace the keys the logger writes itself (timestamp, level, message,
	// service, trace_id, span_id); a colliding key is written as "field_<key>" instead.
	Log(ctx context.Context, level Level, msg string, fields map[string]any, err error)

	Info() LogEvent
	Error() LogEvent
	Debug() LogEvent
	Warn() LogEvent
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]any) Logger
}

// LogEvent represents a structured log event that can be built with fields and sent.
type LogEvent interface {
	Msg(msg string)
	Msgf(format string, args ...any)
	Err(err error) LogEvent
	Str(key, value string) LogEvent
	Int(key string, value int) LogEvent
	Int64(key string, value int64) LogEvent
	Bool(key string, value bool) LogEvent
	Dur(key string, d time.Duration) LogEvent
	Interface(key string, i any) LogEvent
}
