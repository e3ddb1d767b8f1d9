package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestGRPCClientInterceptorInjectsMetadata(t *testing.T) {
	tracer, rec := newTestTracer(t)
	codec := HeaderCodec{}
	intercept := GRPCClientInterceptor(tracer, codec)

	lane := NewLane("issuer")
	parent, scope := tracer.StartSpan(lane, "processOddChange")
	defer scope.Deactivate()

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request", "1")
	ctx = ContextWithSpan(ctx, parent)

	var sent metadata.MD
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		sent, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	require.NoError(t, intercept(ctx, "/translation.Translation/Translate", nil, nil, nil, invoker))

	spans := rec.Spans()
	require.Len(t, spans, 1)
	client := spans[0]
	assert.Equal(t, SpanKindClient, client.Kind)
	assert.Equal(t, parent.SpanID(), client.ParentID)
	assert.Equal(t, parent.TraceID(), client.TraceID)
	assert.Equal(t, StatusOK, client.Status)

	assert.Equal(t, []string{client.TraceID}, sent.Get(HeaderTraceID))
	assert.Equal(t, []string{client.SpanID}, sent.Get(HeaderSpanID))
	assert.Equal(t, []string{"1"}, sent.Get("x-request"))
	assert.Same(t, parent, lane.Active(), "client span must not touch the caller's lane")
}

func TestGRPCClientInterceptorRecordsFailure(t *testing.T) {
	tracer, rec := newTestTracer(t)
	intercept := GRPCClientInterceptor(tracer, NewW3CCodec())

	invoker := func(context.Context, string, interface{}, interface{}, *grpc.ClientConn, ...grpc.CallOption) error {
		return status.Error(codes.Unavailable, "unavailable")
	}

	err := intercept(context.Background(), "/svc/M", nil, nil, nil, invoker)
	require.Error(t, err)

	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].ParentID == "")
	assert.Equal(t, StatusError, spans[0].Status)
	assert.Equal(t, "unavailable", spans[0].StatusMessage)
	assert.Equal(t, "Unavailable", spans[0].Tags["rpc.grpc.status_code"])
}

func TestGRPCUnaryInterceptorExtractsParent(t *testing.T) {
	tracer, rec := newTestTracer(t)
	intercept := GRPCUnaryInterceptor(tracer, HeaderCodec{})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		HeaderTraceID, "T1",
		HeaderSpanID, "S1",
	))
	info := &grpc.UnaryServerInfo{FullMethod: "/translation.Translation/Translate"}

	var seen *Span
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = SpanFromContext(ctx)
		return "ok", nil
	}

	resp, err := intercept(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.NotNil(t, seen)
	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "T1", spans[0].TraceID)
	assert.Equal(t, "S1", spans[0].ParentID)
	assert.Equal(t, SpanKindServer, spans[0].Kind)
	assert.Equal(t, seen.SpanID(), spans[0].SpanID)
}

func TestGRPCUnaryInterceptorWithoutMetadataStartsRoot(t *testing.T) {
	tracer, rec := newTestTracer(t)
	intercept := GRPCUnaryInterceptor(tracer, NewW3CCodec())

	handler := func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "no such text")
	}
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, handler)
	require.Error(t, err)

	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.Empty(t, spans[0].ParentID)
	assert.Equal(t, "no such text", spans[0].StatusMessage)
	assert.Equal(t, int64(0), tracer.Stats().ActiveScopes)
}
