package tracing

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCUnaryInterceptor creates a gRPC unary server interceptor for tracing.
// The handler runs with its own lane and the server span active on it.
func GRPCUnaryInterceptor(tracer *Tracer, codec Codec) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		opts := []StartOption{
			WithKind(SpanKindServer),
			WithTag("rpc.system", "grpc"),
			WithTag("rpc.method", info.FullMethod),
		}
		// Extract trace context from metadata
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if parent, ok := codec.Extract(carrierFromMetadata(md)); ok {
				opts = append(opts, ChildOf(parent))
			}
		}

		lane := NewLane("grpc-server")
		span, scope := tracer.StartSpan(lane, info.FullMethod, opts...)
		ctx = ContextWithLane(ctx, lane)

		resp, err := handler(ctx, req)

		recordRPCResult(span, err)
		_ = scope.Deactivate()
		_ = span.Finish()

		return resp, err
	}
}

// GRPCClientInterceptor creates a gRPC client interceptor for trace
// propagation. The client span is a child of SpanFromContext(ctx) and its
// context is injected into the outgoing metadata.
func GRPCClientInterceptor(tracer *Tracer, codec Codec) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		startOpts := []StartOption{
			WithKind(SpanKindClient),
			WithTag("rpc.system", "grpc"),
			WithTag("rpc.method", method),
		}
		if parent := SpanFromContext(ctx); parent != nil {
			startOpts = append(startOpts, ChildOfSpan(parent))
		}

		// The invoking goroutine may not own a lane; keep the client span on its own.
		lane := NewLane("grpc-client")
		span, scope := tracer.StartSpan(lane, method, startOpts...)

		carrier := Carrier{}
		codec.Inject(span.Context(), carrier)

		md, _ := metadata.FromOutgoingContext(ctx)
		md = md.Copy()
		for k, v := range carrier {
			md.Set(k, v)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)

		err := invoker(ctx, method, req, reply, cc, opts...)

		recordRPCResult(span, err)
		_ = scope.Deactivate()
		_ = span.Finish()

		return err
	}
}

func recordRPCResult(span *Span, err error) {
	span.SetTag("rpc.grpc.status_code", status.Code(err).String())
	if err != nil {
		span.SetStatus(StatusError, status.Convert(err).Message())
		return
	}
	span.SetStatus(StatusOK, "")
}

func carrierFromMetadata(md metadata.MD) Carrier {
	carrier := make(Carrier, len(md))
	for k, vals := range md {
		if len(vals) > 0 {
			carrier[k] = vals[0]
		}
	}
	return carrier
}
