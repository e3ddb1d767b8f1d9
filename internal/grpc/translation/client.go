package translation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/resilience"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/workers"
	pb "github.com/chenchaobing/jaeger-demo/proto/translation"
)

// ErrClientClosed is delivered to callbacks of calls issued after Close.
var ErrClientClosed = errors.New("translation client closed")

// Request identifies the text to translate.
type Request struct {
	TextID int64
}

// Reply carries the translated text.
type Reply struct {
	Text string
}

// Result is the outcome of one call: either Reply or Err is set.
type Result struct {
	Reply *Reply
	Err   error
}

// Succeeded reports whether the call returned a reply.
func (r Result) Succeeded() bool { return r.Err == nil }

// Cause returns a human-readable failure reason, empty on success.
func (r Result) Cause() string {
	if r.Err == nil {
		return ""
	}
	if s, ok := status.FromError(r.Err); ok {
		return s.Message()
	}
	return r.Err.Error()
}

// Callback receives the result of a call. It is invoked exactly once, on a
// completion worker; ctx carries that worker's lane.
type Callback func(ctx context.Context, res Result)

// Observer is notified about call outcomes, typically to update metrics.
type Observer interface {
	CallStarted()
	CallCompleted(outcome string, d time.Duration)
}

// Client wraps the Translation gRPC client with asynchronous completion and a
// circuit breaker.
type Client struct {
	conn     *grpc.ClientConn
	client   pb.TranslationClient
	addr     string
	pool     *workers.Pool
	breaker  *resilience.Breaker
	observer Observer
	logger   *zap.Logger

	mu       sync.RWMutex
	closed   bool
	inFlight sync.WaitGroup
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	dialOpts []grpc.DialOption
	breaker  *resilience.Breaker
	observer Observer
	tracer   *tracing.Tracer
	codec    tracing.Codec
}

// WithDialOptions appends gRPC dial options (e.g. a bufconn dialer in tests).
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *clientOptions) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithBreaker routes calls through a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *clientOptions) { o.breaker = b }
}

// WithObserver registers a call observer.
func WithObserver(obs Observer) Option {
	return func(o *clientOptions) { o.observer = obs }
}

// WithTracing installs the client tracing interceptor.
func WithTracing(tracer *tracing.Tracer, codec tracing.Codec) Option {
	return func(o *clientOptions) {
		o.tracer = tracer
		o.codec = codec
	}
}

// NewClient creates a client for addr. Completions are delivered on pool.
func NewClient(addr string, pool *workers.Pool, logger *zap.Logger, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, errors.New("translation client requires a completion pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Configure keepalive to detect broken connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	if o.tracer != nil && o.codec != nil {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(tracing.GRPCClientInterceptor(o.tracer, o.codec)))
	}
	dialOpts = append(dialOpts, o.dialOpts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial translation service: %w", err)
	}

	return &Client{
		conn:     conn,
		client:   pb.NewTranslationClient(conn),
		addr:     addr,
		pool:     pool,
		breaker:  o.breaker,
		observer: o.observer,
		logger:   logger.Named("translation"),
	}, nil
}

// NewBreaker builds the breaker used in front of the translation service.
// Only transport-level failures count against it.
func NewBreaker(settings resilience.Settings, logger *zap.Logger) *resilience.Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings.IsSuccessful = func(err error) bool {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Unknown:
			return false
		}
		return true
	}
	notify := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if notify != nil {
			notify(name, from, to)
		}
	}
	return resilience.New("translation", settings)
}

// Call issues one Translate request and returns immediately. cb is invoked
// exactly once on a completion worker. There is no retry and no timeout;
// cancelling ctx does not cancel the call.
func (c *Client) Call(ctx context.Context, req Request, cb Callback) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		go c.deliverDetached(cb, Result{Err: ErrClientClosed})
		return
	}
	c.inFlight.Add(1)
	c.mu.RUnlock()

	if c.observer != nil {
		c.observer.CallStarted()
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.inFlight.Done()

		start := time.Now()
		res := c.invoke(ctx, req)
		if c.observer != nil {
			c.observer.CallCompleted(outcome(res.Err), time.Since(start))
		}
		c.complete(cb, res)
	}()
}

// Translate performs a blocking call. Used by the publish tool and tests.
func (c *Client) Translate(ctx context.Context, req Request) (*Reply, error) {
	res := c.invoke(ctx, req)
	return res.Reply, res.Err
}

func (c *Client) invoke(ctx context.Context, req Request) Result {
	call := func() (*wrapperspb.StringValue, error) {
		return c.client.Translate(ctx, wrapperspb.Int64(req.TextID))
	}

	var (
		out *wrapperspb.StringValue
		err error
	)
	if c.breaker != nil {
		out, err = resilience.Execute(c.breaker, call)
		if resilience.IsRejection(err) {
			err = fmt.Errorf("translation service unavailable: %w", err)
		}
	} else {
		out, err = call()
	}
	if err != nil {
		return Result{Err: err}
	}
	return Result{Reply: &Reply{Text: out.GetValue()}}
}

// complete hands the result to a completion worker. If the pool no longer
// accepts work the callback runs here instead, so it is never lost.
func (c *Client) complete(cb Callback, res Result) {
	err := c.pool.Submit(context.Background(), func(ctx context.Context) {
		cb(ctx, res)
	})
	if err != nil {
		c.logger.Warn("completion pool rejected callback, running inline", zap.Error(err))
		c.deliverDetached(cb, res)
	}
}

func (c *Client) deliverDetached(cb Callback, res Result) {
	lane := tracing.NewLane("translation-detached")
	defer lane.Reset()
	cb(tracing.ContextWithLane(context.Background(), lane), res)
}

// Close waits for in-flight calls to deliver their callbacks and closes the
// connection. Calls issued afterwards complete with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inFlight.Wait()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Address returns the dialed address.
func (c *Client) Address() string { return c.addr }

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case resilience.IsRejection(err):
		return "rejected"
	default:
		return status.Code(err).String()
	}
}
