package logger

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// OTelBridge converts the JSON lines produced by the logger into OpenTelemetry log records.
// Records go to the global logger provider, which discards them until telemetry has started.
type OTelBridge struct {
	logger log.Logger
}

// NewOTelBridge creates a bridge whose instrumentation scope is named after the service.
func NewOTelBridge(scope string) *OTelBridge {
	return &OTelBridge{logger: global.GetLoggerProvider().Logger(scope)}
}

// Write implements io.Writer. Lines that are not JSON (pretty output) are skipped.
func (b *OTelBridge) Write(p []byte) (n int, err error) {
	if b == nil || b.logger == nil {
		return len(p), nil
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return len(p), nil
	}

	rec, ctx := buildLogRecord(entry)
	b.logger.Emit(ctx, rec)

	return len(p), nil
}

func buildLogRecord(entry map[string]any) (log.Record, context.Context) {
	var rec log.Record

	ctx := context.Background()
	if sc, ok := spanContextFromEntry(entry); ok {
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}
	delete(entry, traceIDKey)
	delete(entry, spanIDKey)

	if ts, ok := entry["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.SetTimestamp(t)
		}
	}
	if level, ok := entry["level"].(string); ok {
		rec.SetSeverity(severityFor(level))
		rec.SetSeverityText(level)
	}
	if msg, ok := entry["message"].(string); ok {
		rec.SetBody(log.StringValue(msg))
	}

	attrs := make([]log.KeyValue, 0, len(entry))
	for k, v := range entry {
		if k == "timestamp" || k == "level" || k == "message" {
			continue
		}
		attrs = append(attrs, log.KeyValue{Key: k, Value: toLogValue(v)})
	}
	if len(attrs) > 0 {
		rec.AddAttributes(attrs...)
	}

	return rec, ctx
}

// spanContextFromEntry rebuilds the span context from the trace_id/span_id fields so the
// exported record stays correlated with its trace.
func spanContextFromEntry(entry map[string]any) (trace.SpanContext, bool) {
	traceHex, _ := entry[traceIDKey].(string)
	spanHex, _ := entry[spanIDKey].(string)
	if traceHex == "" || spanHex == "" {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func severityFor(level string) log.Severity {
	switch strings.ToLower(level) {
	case "debug":
		return log.SeverityDebug
	case "warn", "warning":
		return log.SeverityWarn
	case "error":
		return log.SeverityError
	case "fatal", "panic":
		return log.SeverityFatal
	default:
		return log.SeverityInfo
	}
}

func toLogValue(v any) log.Value {
	switch val := v.(type) {
	case nil:
		return log.StringValue("")
	case string:
		return log.StringValue(val)
	case bool:
		return log.BoolValue(val)
	case float64:
		// encoding/json decodes every number as float64; keep integers integral.
		if val == math.Trunc(val) && math.Abs(val) < math.MaxInt64 {
			return log.Int64Value(int64(val))
		}
		return log.Float64Value(val)
	case []any:
		items := make([]log.Value, len(val))
		for i, item := range val {
			items[i] = toLogValue(item)
		}
		return log.SliceValue(items...)
	case map[string]any:
		kvs := make([]log.KeyValue, 0, len(val))
		for k, item := range val {
			kvs = append(kvs, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(kvs...)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return log.StringValue(strconv.Quote(err.Error()))
		}
		return log.StringValue(string(b))
	}
}
