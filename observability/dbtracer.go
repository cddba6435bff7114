package observability

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	defaultOperation   = "query"
	dbSystemPostgreSQL = "postgresql"
	maxDBQueryAttrLen  = 2000

	metricDBDuration = "db.client.operation.duration"

	// SlowQueryThreshold is the duration above which a statement is logged as slow.
	SlowQueryThreshold = 200 * time.Millisecond
)

type queryStateKey struct{}

type queryState struct {
	span      trace.Span
	start     time.Time
	operation string
	sql       string
}

// queryTracer implements pgx.QueryTracer.
type queryTracer struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	log      logger.Logger
}

var _ pgx.QueryTracer = (*queryTracer)(nil)

func newQueryTracer(tp trace.TracerProvider, mp metric.MeterProvider, log logger.Logger) *queryTracer {
	t := &queryTracer{
		tracer: tp.Tracer(instrumentationName + "/database"),
		log:    log,
	}

	hist, err := mp.Meter(instrumentationName+"/database").Float64Histogram(
		metricDBDuration,
		metric.WithDescription("Duration of database client operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn().Err(err).Str("metric", metricDBDuration).Msg("Failed to create database metric")
	} else {
		t.duration = hist
	}
	return t
}

// TraceQueryStart opens a client span for the statement.
func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	operation := extractDBOperation(data.SQL)

	attrs := []attribute.KeyValue{
		attribute.String("db.system", dbSystemPostgreSQL),
		semconv.DBQueryText(truncateString(data.SQL, maxDBQueryAttrLen)),
	}
	if operation != defaultOperation {
		attrs = append(attrs, semconv.DBOperationName(operation))
	}

	ctx, span := t.tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return context.WithValue(ctx, queryStateKey{}, &queryState{
		span:      span,
		start:     time.Now(),
		operation: operation,
		sql:       data.SQL,
	})
}

// TraceQueryEnd closes the span, records the duration and logs slow statements.
func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	state, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	elapsed := time.Since(state.start)

	status := "ok"
	if data.Err != nil {
		status = "error"
		state.span.RecordError(data.Err)
		state.span.SetStatus(codes.Error, data.Err.Error())
	} else {
		state.span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	state.span.End()

	if t.duration != nil {
		t.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("db.system", dbSystemPostgreSQL),
			attribute.String("db.operation.name", state.operation),
			attribute.String("status", status),
		))
	}

	if data.Err == nil && elapsed > SlowQueryThreshold {
		t.log.WithContext(ctx).Warn().
			Str("query", truncateString(state.sql, maxDBQueryAttrLen)).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msgf("Slow database operation detected (%s)", elapsed)
	}
}

// extractDBOperation returns the lowercase SQL verb, or "query" when it is not recognized.
func extractDBOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return defaultOperation
	}
	switch op := strings.ToLower(fields[0]); op {
	case "select", "insert", "update", "delete", "create", "drop", "alter", "truncate", "begin", "commit", "rollback":
		return op
	default:
		return defaultOperation
	}
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 {
		return value
	}
	r := []rune(value)
	if len(r) <= maxLen {
		return value
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
