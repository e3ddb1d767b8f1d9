package translation

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
	pb "github.com/chenchaobing/jaeger-demo/proto/translation"
)

// DefaultCatalog is the text served by the demo translator.
var DefaultCatalog = map[int64]string{
	1: "Hej världen",
	2: "Hallo Welt",
	3: "Bonjour le monde",
}

// Server is a demo Translation service with configurable latency and failures.
type Server struct {
	pb.UnimplementedTranslationServer

	catalog      map[int64]string
	latency      time.Duration
	failureRatio float64
	logger       *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// ServerConfig configures the demo server.
type ServerConfig struct {
	Catalog      map[int64]string
	Latency      time.Duration
	FailureRatio float64
	Seed         int64
}

// NewServer creates the demo server.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		catalog:      cfg.Catalog,
		latency:      cfg.Latency,
		failureRatio: cfg.FailureRatio,
		logger:       logger.Named("translator"),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Translate implements pb.TranslationServer.
func (s *Server) Translate(ctx context.Context, in *wrapperspb.Int64Value) (*wrapperspb.StringValue, error) {
	fields := append(logging.SpanFields(tracing.SpanFromContext(ctx)), zap.Int64("text_id", in.GetValue()))

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}

	if s.fail() {
		s.logger.Warn("Simulated failure", fields...)
		return nil, status.Error(codes.Unavailable, "unavailable")
	}

	text, ok := s.catalog[in.GetValue()]
	if !ok {
		s.logger.Info("Unknown text", fields...)
		return nil, status.Errorf(codes.NotFound, "text %d not found", in.GetValue())
	}

	s.logger.Info("Translating", fields...)
	return wrapperspb.String(text), nil
}

func (s *Server) fail() bool {
	if s.failureRatio <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.failureRatio
}

// NewGRPCServer builds a gRPC server exposing srv, with the server tracing
// interceptor when tracer is non-nil.
func NewGRPCServer(srv pb.TranslationServer, tracer *tracing.Tracer, codec tracing.Codec) *grpc.Server {
	var opts []grpc.ServerOption
	if tracer != nil && codec != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer, codec)))
	}
	gs := grpc.NewServer(opts...)
	pb.RegisterTranslationServer(gs, srv)
	return gs
}

// Serve runs gs on lis until ctx is cancelled, then stops it gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
