package tracing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenchaobing/jaeger-demo/internal/shared/id"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveSpan is returned by Capture when the lane has no active span.
	ErrNoActiveSpan = errors.New("tracing: no active span")
	// ErrNoCapture is returned by Activate when given a nil token.
	ErrNoCapture = errors.New("tracing: activate without capture")
	// ErrCaptureConsumed is returned when a token is activated a second time.
	ErrCaptureConsumed = errors.New("tracing: captured scope already activated")
	// ErrSpanFinished is returned when finishing or reactivating a finished span.
	ErrSpanFinished = errors.New("tracing: span already finished")
	// ErrScopeDeactivated is returned on double deactivation.
	ErrScopeDeactivated = errors.New("tracing: scope already deactivated")
	// ErrNoScope is returned when deactivating a nil scope.
	ErrNoScope = errors.New("tracing: nil scope")
	// ErrTracerClosed is returned by Close when called twice.
	ErrTracerClosed = errors.New("tracing: tracer closed")
)

const (
	defaultBufferSize = 1000
	defaultBatchSize  = 100
)

// IDGenerator produces trace and span ids.
type IDGenerator interface {
	TraceID() string
	SpanID() string
}

// Observer receives span lifecycle events, typically to update metrics.
type Observer interface {
	SpanStarted(name string)
	SpanFinished(span SpanData)
	ContractViolation(op string, err error)
}

// Stats is a point-in-time view of the tracer counters.
type Stats struct {
	Started        int64 `json:"started"`
	Finished       int64 `json:"finished"`
	InFlight       int64 `json:"in_flight"`
	Captured       int64 `json:"captured"`
	Activated      int64 `json:"activated"`
	Deactivated    int64 `json:"deactivated"`
	ActiveScopes   int64 `json:"active_scopes"`
	Exported       int64 `json:"exported"`
	Dropped        int64 `json:"dropped"`
	ContractErrors int64 `json:"contract_errors"`
}

type counters struct {
	started        atomic.Int64
	finished       atomic.Int64
	captured       atomic.Int64
	activated      atomic.Int64
	deactivated    atomic.Int64
	activeScopes   atomic.Int64
	exported       atomic.Int64
	dropped        atomic.Int64
	contractErrors atomic.Int64
}

// Tracer manages span lifecycle and collection.
// Safe for concurrent use by multiple goroutines.
type Tracer struct {
	service   string
	logger    *zap.Logger
	clock     clockz.Clock
	ids       IDGenerator
	exporters []Exporter
	observer  Observer
	bufSize   int
	batchSize int
	sync      bool

	mu       sync.RWMutex
	closed   bool
	spans    chan SpanData
	done     chan struct{}
	inFlight map[*Span]struct{}

	stats counters
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock injects a clock, for deterministic span timing in tests.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

// WithExporter adds an exporter. Exporters run in registration order.
func WithExporter(e Exporter) Option {
	return func(t *Tracer) {
		if e != nil {
			t.exporters = append(t.exporters, e)
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(t *Tracer) { t.observer = o }
}

// WithBufferSize sets the finished-span buffer size.
func WithBufferSize(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.bufSize = n
		}
	}
}

// WithBatchSize sets how many buffered spans are exported per batch.
func WithBatchSize(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithSyncExport exports spans on the goroutine that finishes them.
func WithSyncExport() Option {
	return func(t *Tracer) { t.sync = true }
}

// WithIDGenerator replaces the default id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Tracer) {
		if g != nil {
			t.ids = g
		}
	}
}

// New creates a new tracer instance
func New(service string, logger *zap.Logger, opts ...Option) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service:   service,
		logger:    logger.Named("tracer"),
		clock:     clockz.RealClock,
		ids:       id.Default(),
		bufSize:   defaultBufferSize,
		batchSize: defaultBatchSize,
		inFlight:  make(map[*Span]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.sync {
		close(t.done)
	} else {
		t.spans = make(chan SpanData, t.bufSize)
		go t.collectSpans()
	}

	return t
}

// Service returns the service name stamped on every span.
func (t *Tracer) Service() string { return t.service }

// StartSpan creates a span and activates it on lane.
// Without ChildOf the span starts a new root trace; the lane's current span is
// never used as an implicit parent.
func (t *Tracer) StartSpan(lane *Lane, name string, opts ...StartOption) (*Span, *Scope) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if lane == nil {
		lane = NewLane("detached")
	}

	span := &Span{
		tracer: t,
		name:   name,
		kind:   cfg.kind,
		start:  t.clock.Now(),
		tags:   make(map[string]string, len(cfg.tags)),
	}
	for k, v := range cfg.tags {
		span.tags[k] = v
	}

	if cfg.parent.IsValid() {
		span.ctx = SpanContext{
			traceID:    cfg.parent.traceID,
			spanID:     t.ids.SpanID(),
			sampled:    cfg.parent.sampled,
			traceState: cfg.parent.traceState,
			baggage:    cfg.parent.baggage,
		}
		span.parentID = cfg.parent.spanID
	} else {
		span.ctx = SpanContext{
			traceID: t.ids.TraceID(),
			spanID:  t.ids.SpanID(),
			sampled: true,
		}
	}

	t.mu.Lock()
	t.inFlight[span] = struct{}{}
	t.mu.Unlock()
	t.stats.started.Add(1)
	if t.observer != nil {
		t.observer.SpanStarted(name)
	}

	return span, t.activate(lane, span)
}

// Capture snapshots the lane's active span into a transferable token.
func (t *Tracer) Capture(lane *Lane) (*Captured, error) {
	var span *Span
	if lane != nil {
		span = lane.Active()
	}
	if span == nil {
		return nil, t.violation("capture", ErrNoActiveSpan, laneField(lane))
	}
	if span.IsFinished() {
		return nil, t.violation("capture", ErrSpanFinished, append(spanFields(span), laneField(lane))...)
	}

	t.stats.captured.Add(1)
	return &Captured{span: span, from: lane.Name()}, nil
}

// Activate makes the captured span active on lane. The token is consumed even
// when the span turns out to be finished.
func (t *Tracer) Activate(lane *Lane, c *Captured) (*Scope, error) {
	if c == nil {
		return nil, t.violation("activate", ErrNoCapture, laneField(lane))
	}
	if !c.used.CompareAndSwap(false, true) {
		return nil, t.violation("activate", ErrCaptureConsumed, append(spanFields(c.span), laneField(lane))...)
	}
	if c.span.IsFinished() {
		return nil, t.violation("activate", ErrSpanFinished, append(spanFields(c.span), laneField(lane))...)
	}
	if lane == nil {
		lane = NewLane("detached")
	}

	t.stats.activated.Add(1)
	t.logger.Debug("scope activated",
		append(spanFields(c.span),
			zap.String("from_lane", c.from),
			zap.String("lane", lane.Name()))...,
	)
	return t.activate(lane, c.span), nil
}

func (t *Tracer) activate(lane *Lane, span *Span) *Scope {
	s := &Scope{tracer: t, lane: lane, span: span}
	lane.push(s)
	t.stats.activeScopes.Add(1)
	return s
}

// Deactivate removes the activation held by scope, restoring whichever span
// was active before it on the same lane.
func (t *Tracer) Deactivate(s *Scope) error {
	if s == nil {
		return t.violation("deactivate", ErrNoScope)
	}
	wasTop, live := s.lane.remove(s)
	if !live {
		return t.violation("deactivate", ErrScopeDeactivated, append(spanFields(s.span), laneField(s.lane))...)
	}
	if !wasTop {
		t.logger.Debug("scope deactivated out of order",
			append(spanFields(s.span), laneField(s.lane))...)
	}
	t.stats.deactivated.Add(1)
	t.stats.activeScopes.Add(-1)
	return nil
}

// Finish records the end time, removes the span from the in-flight set and
// hands it to the exporters.
func (t *Tracer) Finish(span *Span) error {
	if span == nil {
		return nil
	}

	span.mu.Lock()
	if span.finished {
		span.mu.Unlock()
		return t.violation("finish", ErrSpanFinished, spanFields(span)...)
	}
	span.finished = true
	span.end = t.clock.Now()
	data := span.snapshotLocked()
	span.mu.Unlock()

	t.mu.Lock()
	delete(t.inFlight, span)
	t.mu.Unlock()
	t.stats.finished.Add(1)
	if t.observer != nil {
		t.observer.SpanFinished(data)
	}

	t.submit(data)
	return nil
}

// InFlight returns the unfinished spans.
func (t *Tracer) InFlight() []SpanData {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SpanData, 0, len(t.inFlight))
	for span := range t.inFlight {
		out = append(out, span.Data())
	}
	return out
}

// Stats returns a snapshot of the tracer counters.
func (t *Tracer) Stats() Stats {
	t.mu.RLock()
	inFlight := int64(len(t.inFlight))
	t.mu.RUnlock()

	return Stats{
		Started:        t.stats.started.Load(),
		Finished:       t.stats.finished.Load(),
		InFlight:       inFlight,
		Captured:       t.stats.captured.Load(),
		Activated:      t.stats.activated.Load(),
		Deactivated:    t.stats.deactivated.Load(),
		ActiveScopes:   t.stats.activeScopes.Load(),
		Exported:       t.stats.exported.Load(),
		Dropped:        t.stats.dropped.Load(),
		ContractErrors: t.stats.contractErrors.Load(),
	}
}

// Close stops the collector, drains buffered spans and shuts the exporters down.
func (t *Tracer) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTracerClosed
	}
	t.closed = true
	if t.spans != nil {
		close(t.spans)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, e := range t.exporters {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// submit sends a span to the collector
func (t *Tracer) submit(data SpanData) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.stats.dropped.Add(1)
		t.logger.Warn("tracer closed, dropping span",
			zap.String("trace_id", data.TraceID),
			zap.String("span_id", data.SpanID),
		)
		return
	}
	if t.sync {
		t.export([]SpanData{data})
		return
	}

	select {
	case t.spans <- data:
	default:
		t.stats.dropped.Add(1)
		t.logger.Warn("span buffer full, dropping span",
			zap.String("trace_id", data.TraceID),
			zap.String("span_id", data.SpanID),
		)
	}
}

// collectSpans batches completed spans for the exporters
func (t *Tracer) collectSpans() {
	defer close(t.done)

	batch := make([]SpanData, 0, t.batchSize)
	for data := range t.spans {
		batch = append(batch, data)
	drain:
		for len(batch) < t.batchSize {
			select {
			case next, ok := <-t.spans:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		t.export(batch)
		batch = batch[:0]
	}
}

func (t *Tracer) export(batch []SpanData) {
	if len(t.exporters) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range t.exporters {
		if err := e.ExportSpans(ctx, batch); err != nil {
			t.logger.Error("span export failed",
				zap.Int("spans", len(batch)),
				zap.Error(err),
			)
		}
	}
	t.stats.exported.Add(int64(len(batch)))
}

func (t *Tracer) violation(op string, err error, fields ...zap.Field) error {
	t.stats.contractErrors.Add(1)
	t.logger.Warn("span lifecycle contract violation",
		append(fields, zap.String("op", op), zap.Error(err))...,
	)
	if t.observer != nil {
		t.observer.ContractViolation(op, err)
	}
	return err
}

func spanFields(span *Span) []zap.Field {
	sc := span.Context()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID()),
		zap.String("span_id", sc.SpanID()),
		zap.String("operation", span.Name()),
	}
}

func laneField(lane *Lane) zap.Field {
	if lane == nil {
		return zap.Skip()
	}
	return zap.String("lane", lane.Name())
}
