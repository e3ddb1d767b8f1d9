package ofe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/grpc/translation"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// Span names recorded by the processor.
const (
	SpanProcess     = "processOddChange"
	SpanProcessData = "processData"
)

// Stage is a step of the per-message state machine.
type Stage string

const (
	StageReceived         Stage = "received"
	StageContextExtracted Stage = "context_extracted"
	StageChildSpanActive  Stage = "child_span_active"
	StageCallIssued       Stage = "call_issued"
	StageCallCompleted    Stage = "call_completed"
	StageSpanFinished     Stage = "span_finished"
	StagePublished        Stage = "published"
	StageDone             Stage = "done"
)

// Translator issues the asynchronous translation call.
type Translator interface {
	Call(ctx context.Context, req translation.Request, cb translation.Callback)
}

// Observer is notified as messages move through the state machine.
type Observer interface {
	StageReached(stage Stage)
	PublishCompleted(topic string, err error)
}

// Config holds the processing parameters.
type Config struct {
	TextID         int64
	ProcessDelay   time.Duration
	PublishEnabled bool
	PublishTopic   string
	PublishKey     string
}

// Processor handles inbound events: one span per event, the translation
// call issued under a captured scope and the span finished on completion.
type Processor struct {
	cfg       Config
	tracer    *tracing.Tracer
	codec     tracing.Codec
	rpc       Translator
	publisher broker.Publisher
	observer  Observer
	clock     clockz.Clock
	logger    *zap.Logger

	pending sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithObserver registers a stage observer.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithClock sets the clock used for the simulated processing delay.
func WithClock(c clockz.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// New creates a processor. publisher may be nil when publishing is disabled.
func New(cfg Config, tracer *tracing.Tracer, codec tracing.Codec, rpc Translator, publisher broker.Publisher, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		cfg:       cfg,
		tracer:    tracer,
		codec:     codec,
		rpc:       rpc,
		publisher: publisher,
		clock:     clockz.RealClock,
		logger:    logger.Named("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one event. It returns as soon as the translation call is
// issued; the span is finished later, in the completion callback.
func (p *Processor) Handle(ctx context.Context, ev *broker.InboundEvent) {
	lane := tracing.LaneFromContext(ctx)
	if lane == nil {
		lane = tracing.NewLane("handler")
		defer lane.Reset()
	}
	p.stage(StageReceived)

	opts := []tracing.StartOption{
		tracing.WithKind(tracing.SpanKindConsumer),
		tracing.WithTag("messaging.destination", ev.Topic),
		tracing.WithTag("messaging.partition", strconv.FormatInt(int64(ev.Partition), 10)),
		tracing.WithTag("messaging.offset", strconv.FormatInt(ev.Offset, 10)),
	}
	if parent, ok := p.codec.Extract(ev.Headers); ok {
		opts = append(opts, tracing.ChildOf(parent))
	}
	p.stage(StageContextExtracted)

	span, scope := p.tracer.StartSpan(lane, SpanProcess, opts...)
	defer func() {
		if err := scope.Deactivate(); err != nil {
			p.logger.Error("failed to deactivate handler scope", zap.Error(err))
		}
	}()
	p.stage(StageChildSpanActive)

	log := p.logger.With(logging.SpanFields(span)...)
	log.Info("Processing",
		zap.String("key", ev.Key),
		zap.ByteString("value", ev.Value),
		zap.Int32("partition", ev.Partition),
		zap.Int64("offset", ev.Offset),
		zap.Any("headers", map[string]string(ev.Headers)),
		zap.String("stage", string(StageChildSpanActive)),
	)

	p.processData(ctx, lane, span)

	capture, err := p.tracer.Capture(lane)
	if err != nil {
		log.Error("failed to capture span, finishing without translation", zap.Error(err))
		span.SetError(err)
		_ = span.Finish()
		return
	}

	p.pending.Add(1)
	p.rpc.Call(tracing.ContextWithSpan(ctx, span), translation.Request{TextID: p.cfg.TextID},
		func(cbCtx context.Context, res translation.Result) {
			defer p.pending.Done()
			p.complete(cbCtx, capture, ev, res)
		})
	p.stage(StageCallIssued)
	log.Debug("translation issued", zap.String("stage", string(StageCallIssued)))
}

// processData is the simulated processing step, traced as a child span.
func (p *Processor) processData(ctx context.Context, lane *tracing.Lane, parent *tracing.Span) {
	span, scope := p.tracer.StartSpan(lane, SpanProcessData, tracing.ChildOfSpan(parent))
	defer func() {
		_ = scope.Deactivate()
		_ = span.Finish()
	}()

	if p.cfg.ProcessDelay <= 0 {
		return
	}
	select {
	case <-p.clock.After(p.cfg.ProcessDelay):
	case <-ctx.Done():
		span.SetError(ctx.Err())
	}
}

// complete runs on the client's completion worker, never on the lane that
// issued the call.
func (p *Processor) complete(ctx context.Context, capture *tracing.Captured, ev *broker.InboundEvent, res translation.Result) {
	lane := tracing.LaneFromContext(ctx)
	if lane == nil {
		lane = tracing.NewLane("completion")
	}

	scope, err := p.tracer.Activate(lane, capture)
	if err != nil {
		p.logger.Error("failed to reactivate span", append(logging.SpanFields(capture.Span()), zap.Error(err))...)
		if span := capture.Span(); !span.IsFinished() {
			span.SetError(err)
			_ = span.Finish()
		}
		return
	}
	p.stage(StageCallCompleted)

	span := scope.Span()
	log := p.logger.With(logging.LaneFields(lane)...)
	if res.Succeeded() {
		span.SetStatus(tracing.StatusOK, "")
		span.Log("translated", map[string]interface{}{"text": res.Reply.Text})
		log.Info("Translated", zap.String("text", res.Reply.Text), zap.String("stage", string(StageCallCompleted)))
	} else {
		span.SetError(res.Err)
		log.Error("Failed to translate", zap.String("cause", res.Cause()), zap.String("stage", string(StageCallCompleted)))
	}

	var out *broker.OutboundEvent
	if p.cfg.PublishEnabled && p.publisher != nil {
		out = p.outbound(lane, ev)
	}

	if err := scope.Deactivate(); err != nil {
		log.Error("failed to deactivate completion scope", zap.Error(err))
	}
	if err := span.Finish(); err != nil {
		log.Error("failed to finish span", zap.Error(err))
	}
	p.stage(StageSpanFinished)

	if out != nil {
		p.publish(ctx, out, log)
	}
	p.stage(StageDone)
}

// outbound builds the push event carrying the context of the span active on
// lane, which is the re-activated handler span.
func (p *Processor) outbound(lane *tracing.Lane, ev *broker.InboundEvent) *broker.OutboundEvent {
	headers := tracing.Carrier{}
	if active := lane.Active(); active != nil {
		p.codec.Inject(active.Context(), headers)
	}
	return &broker.OutboundEvent{
		Topic:   p.cfg.PublishTopic,
		Key:     p.cfg.PublishKey,
		Value:   ev.Value,
		Headers: headers,
	}
}

// publish is fire-and-forget: the outcome is only logged.
func (p *Processor) publish(ctx context.Context, out *broker.OutboundEvent, log *zap.Logger) {
	errCh := p.publisher.Publish(context.WithoutCancel(ctx), out)
	p.stage(StagePublished)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		err := <-errCh
		if err != nil {
			log.Warn("publish failed", zap.String("topic", out.Topic), zap.Error(err))
		} else {
			log.Debug("published", zap.String("topic", out.Topic), zap.String("key", out.Key))
		}
		if p.observer != nil {
			p.observer.PublishCompleted(out.Topic, err)
		}
	}()
}

// Wait blocks until every issued call has completed and every publish has
// reported, or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) stage(s Stage) {
	if p.observer != nil {
		p.observer.StageReached(s)
	}
}
