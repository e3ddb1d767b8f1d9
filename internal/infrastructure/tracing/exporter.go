package tracing

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Exporter receives batches of finished spans.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []SpanData) error
	Shutdown(ctx context.Context) error
}

// LogExporter writes finished spans to a zap logger.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter creates a log exporter.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans logs each span.
func (e *LogExporter) ExportSpans(_ context.Context, spans []SpanData) error {
	for i := range spans {
		e.processSpan(&spans[i])
	}
	return nil
}

// processSpan logs span data
func (e *LogExporter) processSpan(span *SpanData) {
	fields := []zap.Field{
		zap.String("trace_id", span.TraceID),
		zap.String("span_id", span.SpanID),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.String("service", span.Service),
		zap.Stringer("kind", span.Kind),
	}

	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", span.ParentID))
	}
	if len(span.Tags) > 0 {
		fields = append(fields, zap.Any("tags", span.Tags))
	}

	if span.Status == StatusError {
		fields = append(fields, zap.String("error", span.StatusMessage))
		e.logger.Error("span completed with error", fields...)
	} else {
		e.logger.Info("span completed", fields...)
	}
}

// Shutdown flushes the logger.
func (e *LogExporter) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}

// Recorder keeps finished spans in memory, for tests and the debug endpoint.
type Recorder struct {
	mu    sync.Mutex
	spans []SpanData
	limit int
}

// NewRecorder creates a recorder keeping at most limit spans (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// ExportSpans implements Exporter.
func (r *Recorder) ExportSpans(_ context.Context, spans []SpanData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.spans = append(r.spans, spans...)
	if r.limit > 0 && len(r.spans) > r.limit {
		r.spans = append([]SpanData(nil), r.spans[len(r.spans)-r.limit:]...)
	}
	return nil
}

// Shutdown implements Exporter.
func (r *Recorder) Shutdown(context.Context) error { return nil }

// Spans returns the recorded spans in finish order.
func (r *Recorder) Spans() []SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpanData(nil), r.spans...)
}

// ByName returns recorded spans with the given operation name.
func (r *Recorder) ByName(name string) []SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SpanData
	for _, s := range r.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of recorded spans.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// Reset discards recorded spans.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
}
