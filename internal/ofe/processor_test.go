package ofe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/grpc/translation"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

type pendingCall struct {
	ctx     context.Context
	req     translation.Request
	cb      translation.Callback
	traceID string
}

// fakeTranslator either answers every call from a goroutine with its own
// lane, or parks calls until the test completes them.
type fakeTranslator struct {
	answer func(call pendingCall) translation.Result

	mu    sync.Mutex
	calls []pendingCall
}

func (f *fakeTranslator) Call(ctx context.Context, req translation.Request, cb translation.Callback) {
	call := pendingCall{ctx: ctx, req: req, cb: cb}
	if span := tracing.SpanFromContext(ctx); span != nil {
		call.traceID = span.TraceID()
	}

	if f.answer != nil {
		go deliver(call, f.answer(call), "completion-test")
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTranslator) take() []pendingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls
	f.calls = nil
	return calls
}

func deliver(call pendingCall, res translation.Result, lane string) {
	call.cb(tracing.ContextWithLane(context.Background(), tracing.NewLane(lane)), res)
}

func succeed(text string) func(pendingCall) translation.Result {
	return func(pendingCall) translation.Result {
		return translation.Result{Reply: &translation.Reply{Text: text}}
	}
}

type fixture struct {
	proc   *Processor
	tracer *tracing.Tracer
	rec    *tracing.Recorder
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, cfg Config, rpc Translator, pub broker.Publisher, opts ...Option) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	rec := tracing.NewRecorder(0)
	tracer := tracing.New("ofe-test", logger, tracing.WithSyncExport(), tracing.WithExporter(rec))
	t.Cleanup(func() { _ = tracer.Close(context.Background()) })

	if cfg.TextID == 0 {
		cfg.TextID = 1
	}
	return &fixture{
		proc:   New(cfg, tracer, tracing.HeaderCodec{}, rpc, pub, logger, opts...),
		tracer: tracer,
		rec:    rec,
		logs:   logs,
	}
}

func (f *fixture) handle(t *testing.T, lane *tracing.Lane, ev *broker.InboundEvent) {
	t.Helper()
	f.proc.Handle(tracing.ContextWithLane(context.Background(), lane), ev)
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.proc.Wait(ctx))
}

func (f *fixture) processSpans() []tracing.SpanData {
	return f.rec.ByName(SpanProcess)
}

func event(headers tracing.Carrier) *broker.InboundEvent {
	if headers == nil {
		headers = tracing.Carrier{}
	}
	return &broker.InboundEvent{
		Topic:     "ot",
		Key:       "odd-1",
		Value:     []byte(`{"odds":1.5}`),
		Partition: 2,
		Offset:    17,
		Headers:   headers,
	}
}

func TestHandleContinuesInboundTrace(t *testing.T) {
	mem := broker.NewMemory(1)
	f := newFixture(t, Config{PublishTopic: "push", PublishKey: "aa"}, &fakeTranslator{answer: succeed("Hej världen")}, mem)

	f.handle(t, tracing.NewLane("ot-0"), event(tracing.Carrier{"trace-id": "T1", "span-id": "S1"}))
	f.wait(t)

	spans := f.processSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "T1", span.TraceID)
	assert.Equal(t, "S1", span.ParentID)
	assert.Equal(t, tracing.SpanKindConsumer, span.Kind)
	assert.Equal(t, tracing.StatusOK, span.Status)
	assert.Equal(t, "2", span.Tags["messaging.partition"])
	assert.Equal(t, "17", span.Tags["messaging.offset"])
	require.Len(t, span.Logs, 1)
	assert.Equal(t, "translated", span.Logs[0].Message)

	nested := f.rec.ByName(SpanProcessData)
	require.Len(t, nested, 1)
	assert.Equal(t, "T1", nested[0].TraceID)
	assert.Equal(t, span.SpanID, nested[0].ParentID)

	translated := f.logs.FilterMessage("Translated").All()
	require.Len(t, translated, 1)
	ctx := translated[0].ContextMap()
	assert.Equal(t, "T1", ctx["trace_id"])
	assert.Equal(t, span.SpanID, ctx["span_id"])
	assert.Equal(t, "completion-test", ctx["lane"])

	// Publishing is disabled by default.
	assert.Empty(t, mem.Records("push"))
	assert.Empty(t, f.tracer.InFlight())
}

func TestHandleStartsRootTraceWithoutContext(t *testing.T) {
	tests := []struct {
		name    string
		headers tracing.Carrier
	}{
		{"empty", nil},
		{"span id only", tracing.Carrier{"span-id": "S1"}},
		{"blank trace id", tracing.Carrier{"trace-id": "  ", "span-id": "S1"}},
		{"control characters", tracing.Carrier{"trace-id": "T\x001", "span-id": "S1"}},
		{"foreign keys", tracing.Carrier{"uber-trace-id": "abc:def:0:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, &fakeTranslator{answer: succeed("ok")}, nil)
			lane := tracing.NewLane("ot-0")

			f.handle(t, lane, event(tt.headers))
			f.handle(t, lane, event(tt.headers))
			f.wait(t)

			spans := f.processSpans()
			require.Len(t, spans, 2)
			for _, s := range spans {
				assert.NotEmpty(t, s.TraceID)
				assert.Empty(t, s.ParentID)
				assert.False(t, s.EndTime.IsZero())
			}
			assert.NotEqual(t, spans[0].TraceID, spans[1].TraceID)
		})
	}
}

func TestHandleFailedTranslationStillFinishesSpan(t *testing.T) {
	unavailable := func(pendingCall) translation.Result {
		return translation.Result{Err: status.Error(codes.Unavailable, "unavailable")}
	}
	f := newFixture(t, Config{}, &fakeTranslator{answer: unavailable}, nil)

	assert.NotPanics(t, func() {
		f.handle(t, tracing.NewLane("ot-0"), event(tracing.Carrier{"trace-id": "T1", "span-id": "S1"}))
	})
	f.wait(t)

	spans := f.processSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, tracing.StatusError, spans[0].Status)
	assert.Equal(t, "rpc error: code = Unavailable desc = unavailable", spans[0].StatusMessage)

	failed := f.logs.FilterMessage("Failed to translate").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "unavailable", failed[0].ContextMap()["cause"])
	assert.Empty(t, f.tracer.InFlight())
}

func TestHandleReturnsBeforeCompletion(t *testing.T) {
	rpc := &fakeTranslator{}
	f := newFixture(t, Config{}, rpc, nil)
	lane := tracing.NewLane("ot-0")

	f.handle(t, lane, event(nil))

	// The call is parked: the handler lane is clean, the span is still open.
	assert.Nil(t, lane.Active())
	assert.Empty(t, f.processSpans())
	require.Len(t, f.tracer.InFlight(), 1)

	calls := rpc.take()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), calls[0].req.TextID)
	deliver(calls[0], translation.Result{Reply: &translation.Reply{Text: "x"}}, "completion-0")

	f.wait(t)
	assert.Len(t, f.processSpans(), 1)
	assert.Empty(t, f.tracer.InFlight())
}

func TestCaptureActivateDeactivateBalance(t *testing.T) {
	var calls atomic.Int64
	rpc := &fakeTranslator{answer: func(pendingCall) translation.Result {
		if calls.Add(1)%2 == 0 {
			return translation.Result{Err: errors.New("boom")}
		}
		return translation.Result{Reply: &translation.Reply{Text: "ok"}}
	}}
	f := newFixture(t, Config{}, rpc, nil)

	lane := tracing.NewLane("ot-0")
	for i := 0; i < 10; i++ {
		f.handle(t, lane, event(nil))
	}
	f.wait(t)

	stats := f.tracer.Stats()
	assert.Equal(t, int64(10), stats.Captured)
	assert.Equal(t, stats.Captured, stats.Activated)
	// Handler, processData and completion scopes: three per event.
	assert.Equal(t, int64(30), stats.Deactivated)
	assert.Equal(t, int64(0), stats.ActiveScopes)
	assert.Equal(t, int64(0), stats.ContractErrors)
	assert.Equal(t, 0, lane.Depth())
	assert.Empty(t, f.tracer.InFlight())
}

// Completions of concurrent calls are delivered in random order on a few
// shared lanes; each callback must log against its own span.
func TestConcurrentCompletionsAreIndependent(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rpc := &fakeTranslator{}
			f := newFixture(t, Config{}, rpc, nil)

			const messages = 48
			var wg sync.WaitGroup
			for shard := 0; shard < 4; shard++ {
				wg.Add(1)
				go func(shard int) {
					defer wg.Done()
					lane := tracing.NewLane(fmt.Sprintf("ot-%d", shard))
					for i := shard; i < messages; i += 4 {
						f.handle(t, lane, event(tracing.Carrier{
							"trace-id": fmt.Sprintf("trace-%02d", i),
							"span-id":  fmt.Sprintf("span-%02d", i),
						}))
					}
				}(shard)
			}
			wg.Wait()

			calls := rpc.take()
			require.Len(t, calls, messages)
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(calls), func(i, j int) { calls[i], calls[j] = calls[j], calls[i] })

			completionLanes := []*tracing.Lane{
				tracing.NewLane("completion-0"),
				tracing.NewLane("completion-1"),
				tracing.NewLane("completion-2"),
			}
			var done sync.WaitGroup
			for w, lane := range completionLanes {
				done.Add(1)
				go func(w int, lane *tracing.Lane) {
					defer done.Done()
					ctx := tracing.ContextWithLane(context.Background(), lane)
					for i := w; i < len(calls); i += len(completionLanes) {
						// The reply names the trace that issued the call.
						calls[i].cb(ctx, translation.Result{Reply: &translation.Reply{Text: calls[i].traceID}})
					}
				}(w, lane)
			}
			done.Wait()
			f.wait(t)

			translated := f.logs.FilterMessage("Translated").All()
			require.Len(t, translated, messages)
			for _, entry := range translated {
				ctx := entry.ContextMap()
				assert.Equal(t, ctx["text"], ctx["trace_id"], "callback logged against a foreign span")
			}
			for _, lane := range completionLanes {
				assert.Nil(t, lane.Active())
			}

			spans := f.processSpans()
			require.Len(t, spans, messages)
			for _, s := range spans {
				assert.Equal(t, "trace-"+s.ParentID[len("span-"):], s.TraceID)
				assert.Equal(t, tracing.StatusOK, s.Status)
			}
			assert.Equal(t, int64(0), f.tracer.Stats().ActiveScopes)
		})
	}
}

type stageRecorder struct {
	mu        sync.Mutex
	stages    []Stage
	published []error
}

func (r *stageRecorder) StageReached(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *stageRecorder) PublishCompleted(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, err)
}

func TestPublishCarriesReactivatedContext(t *testing.T) {
	mem := broker.NewMemory(2)
	obs := &stageRecorder{}
	cfg := Config{PublishEnabled: true, PublishTopic: "push", PublishKey: "aa"}
	rpc := &fakeTranslator{}
	f := newFixture(t, cfg, rpc, mem, WithObserver(obs))

	f.handle(t, tracing.NewLane("ot-0"), event(tracing.Carrier{"trace-id": "T1", "span-id": "S1", "baggage-user": "lars"}))
	calls := rpc.take()
	require.Len(t, calls, 1)
	deliver(calls[0], translation.Result{Reply: &translation.Reply{Text: "x"}}, "completion-0")
	f.wait(t)

	span := f.processSpans()[0]
	recs := mem.Records("push")
	require.Len(t, recs, 1)
	assert.Equal(t, "aa", recs[0].Key)
	assert.Equal(t, []byte(`{"odds":1.5}`), recs[0].Value)
	assert.Equal(t, "T1", recs[0].Headers.Get("trace-id"))
	assert.Equal(t, span.SpanID, recs[0].Headers.Get("span-id"))
	assert.Equal(t, "lars", recs[0].Headers.Get("baggage-user"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []Stage{
		StageReceived,
		StageContextExtracted,
		StageChildSpanActive,
		StageCallIssued,
		StageCallCompleted,
		StageSpanFinished,
		StagePublished,
		StageDone,
	}, obs.stages)
	assert.Equal(t, []error{nil}, obs.published)
}

func TestPublishFailureIsOnlyLogged(t *testing.T) {
	mem := broker.NewMemory(1)
	require.NoError(t, mem.Close())
	obs := &stageRecorder{}
	cfg := Config{PublishEnabled: true, PublishTopic: "push", PublishKey: "aa"}
	f := newFixture(t, cfg, &fakeTranslator{answer: succeed("x")}, mem, WithObserver(obs))

	f.handle(t, tracing.NewLane("ot-0"), event(nil))
	f.wait(t)

	require.Len(t, f.processSpans(), 1)
	assert.Len(t, f.logs.FilterMessage("publish failed").All(), 1)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.published, 1)
	assert.ErrorIs(t, obs.published[0], broker.ErrClosed)
}

func TestHandleWithoutLane(t *testing.T) {
	f := newFixture(t, Config{}, &fakeTranslator{answer: succeed("x")}, nil)

	f.proc.Handle(context.Background(), event(nil))
	f.wait(t)

	assert.Len(t, f.processSpans(), 1)
	assert.Equal(t, int64(0), f.tracer.Stats().ActiveScopes)
}

func TestProcessDelayUsesClock(t *testing.T) {
	f := newFixture(t, Config{ProcessDelay: 20 * time.Millisecond}, &fakeTranslator{answer: succeed("x")}, nil)

	f.handle(t, tracing.NewLane("ot-0"), event(nil))
	f.wait(t)

	nested := f.rec.ByName(SpanProcessData)
	require.Len(t, nested, 1)
	assert.GreaterOrEqual(t, nested[0].Duration, 20*time.Millisecond)
}
