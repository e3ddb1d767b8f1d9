package tracing

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
)

const instrumentationScope = "github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"

// OTLPExporter uploads finished spans to an OTLP collector.
type OTLPExporter struct {
	client  otlptrace.Client
	service string
	logger  *zap.Logger
}

// NewOTLPExporter dials an OTLP/HTTP collector at endpoint (host:port).
func NewOTLPExporter(ctx context.Context, endpoint, service string, logger *zap.Logger) (*OTLPExporter, error) {
	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	return NewOTLPExporterWithClient(ctx, client, service, logger)
}

// NewOTLPExporterWithClient wraps an existing OTLP client.
func NewOTLPExporterWithClient(ctx context.Context, client otlptrace.Client, service string, logger *zap.Logger) (*OTLPExporter, error) {
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start otlp client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTLPExporter{client: client, service: service, logger: logger}, nil
}

// ExportSpans converts and uploads a batch.
func (e *OTLPExporter) ExportSpans(ctx context.Context, spans []SpanData) error {
	protoSpans := make([]*tracepb.Span, 0, len(spans))
	for i := range spans {
		ps, ok := toProtoSpan(&spans[i])
		if !ok {
			e.logger.Debug("skipping span with non-hex ids",
				zap.String("trace_id", spans[i].TraceID),
				zap.String("span_id", spans[i].SpanID),
			)
			continue
		}
		protoSpans = append(protoSpans, ps)
	}
	if len(protoSpans) == 0 {
		return nil
	}

	rs := &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{stringAttr("service.name", e.service)},
		},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: instrumentationScope},
			Spans: protoSpans,
		}},
	}

	if err := e.client.UploadTraces(ctx, []*tracepb.ResourceSpans{rs}); err != nil {
		return fmt.Errorf("upload %d spans: %w", len(protoSpans), err)
	}
	return nil
}

// Shutdown stops the client.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	return e.client.Stop(ctx)
}

func toProtoSpan(s *SpanData) (*tracepb.Span, bool) {
	traceID, err := hex.DecodeString(s.TraceID)
	if err != nil || len(traceID) != 16 {
		return nil, false
	}
	spanID, err := hex.DecodeString(s.SpanID)
	if err != nil || len(spanID) != 8 {
		return nil, false
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              s.Name,
		Kind:              protoKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
	}
	if parent, err := hex.DecodeString(s.ParentID); err == nil && len(parent) == 8 {
		ps.ParentSpanId = parent
	}

	for k, v := range s.Tags {
		ps.Attributes = append(ps.Attributes, stringAttr(k, v))
	}
	for _, l := range s.Logs {
		ev := &tracepb.Span_Event{
			TimeUnixNano: uint64(l.Timestamp.UnixNano()),
			Name:         l.Message,
		}
		for k, v := range l.Fields {
			ev.Attributes = append(ev.Attributes, stringAttr(k, fmt.Sprint(v)))
		}
		ps.Events = append(ps.Events, ev)
	}

	switch s.Status {
	case StatusOK:
		ps.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	case StatusError:
		ps.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: s.StatusMessage}
	}
	return ps, true
}

func protoKind(k SpanKind) tracepb.Span_SpanKind {
	switch k {
	case SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
