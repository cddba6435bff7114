package observability

import (
	"context"
	"sync"
	"sync/atomic"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// recordingExporter keeps exported spans across Shutdown and counts calls.
type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan

	exportCalls atomic.Int64
	shutdowns   atomic.Int64

	// block, when set, holds every export until closed or the export context ends.
	block chan struct{}
}

func (e *recordingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.exportCalls.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	e.spans = append(e.spans, spans...)
	e.mu.Unlock()
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error {
	e.shutdowns.Add(1)
	return nil
}

func (e *recordingExporter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.spans))
	for i, s := range e.spans {
		names[i] = s.Name()
	}
	return names
}

func (e *recordingExporter) byName(name string) sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// recordingLogExporter counts exported log records.
type recordingLogExporter struct {
	records   atomic.Int64
	shutdowns atomic.Int64
}

func (e *recordingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.records.Add(int64(len(records)))
	return nil
}

func (e *recordingLogExporter) Shutdown(context.Context) error {
	e.shutdowns.Add(1)
	return nil
}

func (e *recordingLogExporter) ForceFlush(context.Context) error {
	return nil
}
