package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// DefaultServiceName is attached to entries when no service name is configured.
const DefaultServiceName = "todo-service"

// Options configures a ZeroLogger.
type Options struct {
	// Service is written to every entry under the "service" key.
	Service string
	// Level is the minimum level (debug, info, warn, error). Unknown values fall back to info.
	Level string
	// Pretty switches the console sink to zerolog's human readable writer. The file sink stays JSON.
	Pretty bool
	// File enables the auxiliary file sink when non-empty.
	File string
	// Filter overrides the sensitive field configuration. Nil uses DefaultFilterConfig.
	Filter *FilterConfig
	// OTelBridge additionally emits every entry as an OpenTelemetry log record.
	OTelBridge bool

	// Stdout and Stderr replace the process streams, mainly for tests.
	Stdout io.Writer
	Stderr io.Writer
}

// ZeroLogger wraps zerolog.Logger to implement the Logger interface.
type ZeroLogger struct {
	zlog   *zerolog.Logger
	filter *SensitiveDataFilter
	sinks  *sinkWriter
	panics *panicReporter
}

// Ensure ZeroLogger implements the interface
var _ Logger = (*ZeroLogger)(nil)

var zerologSetupOnce sync.Once

// configureZerolog sets the package-level zerolog knobs once per process.
func configureZerolog() {
	zerologSetupOnce.Do(func() {
		zerolog.TimestampFieldName = "timestamp"
		zerolog.MessageFieldName = "message"
		zerolog.ErrorStackFieldName = "stack"
		zerolog.TimeFieldFormat = time.RFC3339Nano
		zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		zerolog.InterfaceMarshalFunc = marshalRecovering
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			base := filepath.Base(file)
			parent := filepath.Base(filepath.Dir(file))
			if parent != "." && parent != "" {
				return parent + "/" + base + ":" + strconv.Itoa(line)
			}
			return base + ":" + strconv.Itoa(line)
		}
	})
}

// New creates a ZeroLogger writing to the console and, when opts.File is set, to a log file.
// A file that cannot be opened is reported on stderr and retried on every entry.
func New(opts Options) *ZeroLogger {
	configureZerolog()

	service := opts.Service
	if service == "" {
		service = DefaultServiceName
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	sinks := &sinkWriter{stdout: stdout, stderr: stderr}
	if opts.Pretty {
		sinks.stdout = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
		sinks.stderr = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	if opts.File != "" {
		sinks.file = newFileSink(opts.File, fileFailureReporter(stderr, service, opts.File))
	}
	if opts.OTelBridge {
		sinks.bridge = NewOTelBridge(service)
	}

	l := zerolog.New(sinks).With().
		Timestamp().
		Str("service", service).
		CallerWithSkipFrameCount(3).
		Logger()

	zLevel, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		zLevel = zerolog.InfoLevel
	}
	l = l.Level(zLevel)

	return &ZeroLogger{
		zlog:   &l,
		filter: NewSensitiveDataFilter(opts.Filter),
		sinks:  sinks,
		panics: newPanicReporter(stderr, service),
	}
}

// marshalRecovering turns a panicking MarshalJSON into an error, which zerolog writes as the
// field value.
func marshalRecovering(v any) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("marshal panicked: %v", r)
		}
	}()
	return json.Marshal(v)
}

// panicReporter notes on stderr, once per logger, that an entry was dropped because building
// or writing it panicked.
type panicReporter struct {
	once     sync.Once
	fallback zerolog.Logger
}

func newPanicReporter(stderr io.Writer, service string) *panicReporter {
	return &panicReporter{
		fallback: zerolog.New(stderr).With().Timestamp().Str("service", service).Logger(),
	}
}

func (p *panicReporter) report(msg string, r any) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.fallback.Error().
			Str("panic", fmt.Sprint(r)).
			Str("dropped_message", msg).
			Msg("Log entry dropped after panic")
	})
}

// NewNop returns a logger that discards everything.
func NewNop() *ZeroLogger {
	l := zerolog.Nop()
	return &ZeroLogger{zlog: &l, filter: NewSensitiveDataFilter(nil)}
}

// fileFailureReporter writes file sink failures straight to the console error stream,
// bypassing the sink writer so a failing file can never recurse into itself.
func fileFailureReporter(stderr io.Writer, service, path string) func(op string, err error) {
	fallback := zerolog.New(stderr).With().Timestamp().Str("service", service).Logger()
	return func(op string, err error) {
		fallback.Error().
			Err(err).
			Str("log_file", path).
			Str("op", op).
			Msg("Failed to write to log file")
	}
}

// Log writes a single entry. It never panics and never reports sink failures to the caller.
func (l *ZeroLogger) Log(ctx context.Context, level Level, msg string, fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.report(msg, r)
		}
	}()

	ev := l.zlog.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	if tc, ok := TraceContextFromContext(ctx); ok {
		ev = ev.Str(traceIDKey, tc.TraceID).Str(spanIDKey, tc.SpanID)
	}
	if err != nil {
		msg = msg + ": " + err.Error()
		ev = ev.Stack().Err(err)
	}
	if len(fields) > 0 {
		ev = ev.Fields(renameReserved(l.filter.FilterFields(fields)))
	}
	ev.Msg(msg)
}

// reservedKeys are written by the logger itself on every entry.
var reservedKeys = map[string]bool{
	"timestamp": true,
	"level":     true,
	"message":   true,
	"service":   true,
	traceIDKey:  true,
	spanIDKey:   true,
}

// fieldKey moves caller keys that collide with a reserved key under a "field_" prefix.
func fieldKey(key string) string {
	if reservedKeys[key] {
		return "field_" + key
	}
	return key
}

func renameReserved(fields map[string]any) map[string]any {
	for k := range fields {
		if !reservedKeys[k] {
			continue
		}
		out := make(map[string]any, len(fields))
		for k, v := range fields {
			out[fieldKey(k)] = v
		}
		return out
	}
	return fields
}

// WithContext returns a logger that stamps the active trace and span ids on every entry.
func (l *ZeroLogger) WithContext(ctx context.Context) Logger {
	tc, ok := TraceContextFromContext(ctx)
	if !ok {
		return l
	}
	zl := l.zlog.With().Str(traceIDKey, tc.TraceID).Str(spanIDKey, tc.SpanID).Logger()
	return &ZeroLogger{zlog: &zl, filter: l.filter, sinks: l.sinks, panics: l.panics}
}

// WithFields returns a logger with additional fields attached to all log entries.
func (l *ZeroLogger) WithFields(fields map[string]any) Logger {
	if l.filter != nil {
		fields = l.filter.FilterFields(fields)
	}
	zl := l.zlog.With().Fields(renameReserved(fields)).Logger()
	return &ZeroLogger{zlog: &zl, filter: l.filter, sinks: l.sinks, panics: l.panics}
}

// Close releases the log file handle. Entries logged afterwards reopen it.
func (l *ZeroLogger) Close() error {
	if l.sinks == nil {
		return nil
	}
	return l.sinks.close()
}

func (lv Level) zerolog() zerolog.Level {
	switch lv {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
