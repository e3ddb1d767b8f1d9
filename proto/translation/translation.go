package translation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "translation.Translation"
	// TranslateMethod is the full method name of Translate.
	TranslateMethod = "/translation.Translation/Translate"
)

// TranslationClient is the client API for the Translation service.
type TranslationClient interface {
	Translate(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type translationClient struct {
	cc grpc.ClientConnInterface
}

// NewTranslationClient creates a client stub on a connection.
func NewTranslationClient(cc grpc.ClientConnInterface) TranslationClient {
	return &translationClient{cc}
}

func (c *translationClient) Translate(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, TranslateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TranslationServer is the server API for the Translation service.
type TranslationServer interface {
	Translate(ctx context.Context, in *wrapperspb.Int64Value) (*wrapperspb.StringValue, error)
}

// UnimplementedTranslationServer can be embedded for forward compatibility.
type UnimplementedTranslationServer struct{}

func (UnimplementedTranslationServer) Translate(context.Context, *wrapperspb.Int64Value) (*wrapperspb.StringValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Translate not implemented")
}

// RegisterTranslationServer registers srv on s.
func RegisterTranslationServer(s grpc.ServiceRegistrar, srv TranslationServer) {
	s.RegisterService(&Translation_ServiceDesc, srv)
}

func _Translation_Translate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TranslationServer).Translate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: TranslateMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TranslationServer).Translate(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// Translation_ServiceDesc is the grpc.ServiceDesc for the Translation service.
var Translation_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranslationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Translate",
			Handler:    _Translation_Translate_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "translation.proto",
}
