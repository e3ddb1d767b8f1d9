package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	esdbbroker "github.com/chenchaobing/jaeger-demo/internal/broker/esdb"
	mqttbroker "github.com/chenchaobing/jaeger-demo/internal/broker/mqtt"
	"github.com/chenchaobing/jaeger-demo/internal/grpc/translation"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/config"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/monitoring"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/resilience"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/workers"
	"github.com/chenchaobing/jaeger-demo/internal/ofe"
)

const (
	debugSpanLimit   = 100
	callDrainTimeout = 10 * time.Second
)

// Server wires the processing node: broker ingress, processor, translation
// client, tracer and the admin HTTP server.
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	tracer    *tracing.Tracer
	recorder  *tracing.Recorder
	codec     tracing.Codec
	pool      *workers.Pool
	breaker   *resilience.Breaker
	client    *translation.Client
	processor *ofe.Processor
	ingress   *broker.Ingress
	source    broker.Source
	publisher broker.Publisher
	embedded  *mqttbroker.Embedded

	router *gin.Engine
	admin  *http.Server

	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	source    broker.Source
	publisher broker.Publisher
	dialOpts  []grpc.DialOption
	exporters []tracing.Exporter
}

// WithBroker replaces the configured broker backend.
func WithBroker(source broker.Source, publisher broker.Publisher) Option {
	return func(o *options) {
		o.source = source
		o.publisher = publisher
	}
}

// WithDialOptions adds gRPC dial options for the translation client.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithExporter adds a span exporter next to the configured one.
func WithExporter(e tracing.Exporter) Option {
	return func(o *options) { o.exporters = append(o.exporters, e) }
}

// New creates a new server instance
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger.Info("Initializing node",
		zap.String("node_id", cfg.Node.ID),
		zap.String("topic", cfg.Node.Topic),
		zap.String("group", cfg.Node.Group),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("translation_addr", cfg.Translation.Address),
	)

	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: monitoring.NewMetrics(),
	}

	// Any failure below releases what was already built.
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	if err := s.initTracing(o.exporters); err != nil {
		return nil, err
	}
	if err := s.initBroker(o); err != nil {
		return nil, err
	}
	if err := s.initTranslation(o.dialOpts); err != nil {
		return nil, err
	}

	s.processor = ofe.New(ofe.Config{
		TextID:         cfg.Node.TextID,
		ProcessDelay:   cfg.Node.ProcessDelay,
		PublishEnabled: cfg.Node.PublishEnabled,
		PublishTopic:   cfg.Node.PublishTopic,
		PublishKey:     cfg.Node.PublishKey,
	}, s.tracer, s.codec, s.client, s.publisher, logger.Logger, ofe.WithObserver(s.metrics))

	var source broker.Source = s.source
	if s.sharedConn() {
		source = sharedSource{s.source}
	}
	s.ingress = broker.NewIngress(source, broker.IngressConfig{
		Shards:       cfg.Workers.Shards,
		MaxBacklog:   cfg.Broker.MaxBacklog,
		DrainTimeout: cfg.Broker.DrainTimeout,
	}, logger.Logger, s.metrics)

	s.router = s.newRouter()
	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           s.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("Node initialized successfully")
	ok = true
	return s, nil
}

func (s *Server) initTracing(extra []tracing.Exporter) error {
	cfg := s.config.Tracing

	codec, err := tracing.NewCodec(cfg.Format)
	if err != nil {
		return err
	}
	s.codec = codec
	s.recorder = tracing.NewRecorder(debugSpanLimit)

	opts := []tracing.Option{
		tracing.WithObserver(s.metrics),
		tracing.WithBufferSize(cfg.BufferSize),
		tracing.WithBatchSize(cfg.BatchSize),
		tracing.WithExporter(s.recorder),
	}
	switch cfg.Exporter {
	case config.ExporterLog:
		opts = append(opts, tracing.WithExporter(tracing.NewLogExporter(s.logger.Component("spans"))))
	case config.ExporterOTLP:
		exp, err := tracing.NewOTLPExporter(context.Background(), cfg.OTLPEndpoint, cfg.Service, s.logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, tracing.WithExporter(exp))
	}
	for _, e := range extra {
		opts = append(opts, tracing.WithExporter(e))
	}

	s.tracer = tracing.New(cfg.Service, s.logger.Logger, opts...)
	s.logger.Info("Tracing initialized",
		zap.String("format", codec.Name()),
		zap.String("exporter", cfg.Exporter),
	)
	return nil
}

func (s *Server) initBroker(o *options) error {
	if o.source != nil {
		s.source, s.publisher = o.source, o.publisher
		return nil
	}

	cfg := s.config.Broker
	acks, err := broker.ParseAcks(cfg.Acks)
	if err != nil {
		return err
	}

	switch cfg.Kind {
	case config.BrokerMemory:
		mem := broker.NewMemory(cfg.Partitions)
		s.source, s.publisher = mem, mem

	case config.BrokerMQTT:
		url := cfg.MQTT.URL
		if cfg.MQTT.Embedded {
			emb, err := mqttbroker.StartEmbedded(cfg.MQTT.EmbeddedAddress, s.logger.Logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded broker: %w", err)
			}
			s.embedded = emb
			url = emb.URL()
		}
		client, err := mqttbroker.Dial(mqttbroker.Config{
			URL:            url,
			ClientID:       cfg.MQTT.ClientID,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			Partitions:     cfg.Partitions,
			Acks:           acks,
		}, s.logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		s.source, s.publisher = client, client

	case config.BrokerESDB:
		client, err := esdbbroker.Dial(esdbbroker.Config{
			ConnectionString: cfg.ESDB.ConnectionString,
			Partitions:       cfg.Partitions,
			Acks:             acks,
		}, s.logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to EventStoreDB: %w", err)
		}
		s.source, s.publisher = client, client
	}

	s.logger.Info("Connected to broker",
		zap.String("kind", cfg.Kind),
		zap.Stringer("acks", acks),
		zap.Int("partitions", cfg.Partitions),
	)
	return nil
}

func (s *Server) initTranslation(dialOpts []grpc.DialOption) error {
	cfg := s.config.Translation

	s.pool = workers.New("completion", s.config.Workers.Completion, s.config.Workers.Queue, s.logger.Logger)

	opts := []translation.Option{
		translation.WithTracing(s.tracer, s.codec),
		translation.WithObserver(s.metrics),
		translation.WithDialOptions(dialOpts...),
	}
	if cfg.Breaker.Enabled {
		s.breaker = translation.NewBreaker(resilience.Settings{
			MaxRequests:   cfg.Breaker.MaxRequests,
			Interval:      cfg.Breaker.Interval,
			Timeout:       cfg.Breaker.Timeout,
			ReadyToTrip:   resilience.ConsecutiveFailures(cfg.Breaker.FailureThreshold),
			OnStateChange: s.metrics.BreakerStateChanged,
		}, s.logger.Logger)
		opts = append(opts, translation.WithBreaker(s.breaker))
	}

	client, err := translation.NewClient(cfg.Address, s.pool, s.logger.Logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create translation client: %w", err)
	}
	s.client = client
	s.logger.Info("Translation client ready", zap.String("addr", cfg.Address))
	return nil
}

// Run subscribes to the inbound topic and serves the admin endpoints until
// ctx ends. It does not close the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.ingress.Subscribe(ctx, s.config.Node.Topic, s.config.Node.Group, s.processor.Handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Node.Topic, err)
	}

	errCh := make(chan error, 1)
	if s.admin != nil {
		s.logger.Info("Starting admin server", zap.String("addr", s.admin.Addr))
		go func() {
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	s.ready.Store(true)
	s.logger.Info("Node running", zap.String("topic", s.config.Node.Topic))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	}
}

// Close gracefully shuts down the node. Consumption stops first, then
// in-flight calls complete, and spans are flushed last.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down node...")
	s.ready.Store(false)
	var errs []error

	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin server: %w", err))
		}
		cancel()
	}

	if s.ingress != nil {
		if err := s.ingress.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.processor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), callDrainTimeout)
		if err := s.processor.Wait(ctx); err != nil {
			s.logger.Warn("In-flight translations did not complete", zap.Error(err))
		}
		cancel()
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close translation client: %w", err))
		}
		s.logger.Info("Closed translation connection")
	}
	if s.pool != nil {
		s.pool.Close()
	}

	// The ingress closed a dedicated source already; a connection shared
	// with the publisher is closed once the last publish was issued.
	if s.source != nil && (s.ingress == nil || s.sharedConn()) {
		if err := s.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close broker connection: %w", err))
		}
	}
	if s.publisher != nil && !s.sharedConn() {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
		}
	}
	if s.embedded != nil {
		if err := s.embedded.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop embedded broker: %w", err))
		}
	}

	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tracer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tracer: %w", err))
		}
		cancel()
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}

// sharedConn reports whether source and publisher are one connection.
func (s *Server) sharedConn() bool {
	return s.source != nil && s.publisher != nil && any(s.source) == any(s.publisher)
}

// sharedSource hides Close from the ingress.
type sharedSource struct {
	broker.Source
}

func (sharedSource) Close() error { return nil }

// Router returns the admin HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Metrics returns the node metrics.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// Tracer returns the node tracer.
func (s *Server) Tracer() *tracing.Tracer {
	return s.tracer
}
