package tracing

import (
	"fmt"
	"sync"
	"time"
)

// SpanContext is the propagated identity of a span.
// It is immutable: baggage is copied on construction and only read through accessors.
type SpanContext struct {
	traceID    string
	spanID     string
	sampled    bool
	traceState string
	baggage    map[string]string
}

// NewSpanContext builds a span context. The baggage map is copied.
func NewSpanContext(traceID, spanID string, sampled bool, baggage map[string]string) SpanContext {
	sc := SpanContext{
		traceID: traceID,
		spanID:  spanID,
		sampled: sampled,
	}
	if len(baggage) > 0 {
		sc.baggage = make(map[string]string, len(baggage))
		for k, v := range baggage {
			sc.baggage[k] = v
		}
	}
	return sc
}

// WithTraceState returns a copy carrying the given W3C tracestate value.
func (sc SpanContext) WithTraceState(state string) SpanContext {
	sc.traceState = state
	return sc
}

// TraceID returns the trace identifier.
func (sc SpanContext) TraceID() string { return sc.traceID }

// SpanID returns the span identifier.
func (sc SpanContext) SpanID() string { return sc.spanID }

// Sampled reports whether the trace is sampled.
func (sc SpanContext) Sampled() bool { return sc.sampled }

// TraceState returns the opaque W3C tracestate, if any.
func (sc SpanContext) TraceState() string { return sc.traceState }

// IsValid reports whether both identifiers are present.
func (sc SpanContext) IsValid() bool {
	return sc.traceID != "" && sc.spanID != ""
}

// Baggage returns a baggage item.
func (sc SpanContext) Baggage(key string) (string, bool) {
	v, ok := sc.baggage[key]
	return v, ok
}

// ForeachBaggage calls fn for every baggage item.
func (sc SpanContext) ForeachBaggage(fn func(key, value string)) {
	for k, v := range sc.baggage {
		fn(k, v)
	}
}

// String renders the context for logs.
func (sc SpanContext) String() string {
	return fmt.Sprintf("[trace:%s span:%s]", sc.traceID, sc.spanID)
}

// SpanKind describes the relationship of a span to its remote peers.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

// MarshalText renders the kind by name in JSON output.
func (k SpanKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// MarshalText renders the status by name in JSON output.
func (c StatusCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// LogEntry represents a log within a span
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Fields    map[string]interface{}
}

// Span represents a single operation in a trace.
// Safe for concurrent use; a span may be touched from the lane that started
// it and from the completion worker that reactivates it.
type Span struct {
	tracer *Tracer

	mu       sync.Mutex
	ctx      SpanContext
	parentID string
	name     string
	kind     SpanKind
	start    time.Time
	end      time.Time
	tags     map[string]string
	logs     []LogEntry
	err      error
	status   StatusCode
	message  string
	finished bool
}

// SpanData is an immutable snapshot of a span handed to exporters.
type SpanData struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentID      string            `json:"parent_id,omitempty"`
	Name          string            `json:"name"`
	Service       string            `json:"service"`
	Kind          SpanKind          `json:"kind"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	Duration      time.Duration     `json:"duration"`
	Tags          map[string]string `json:"tags,omitempty"`
	Logs          []LogEntry        `json:"logs,omitempty"`
	Error         string            `json:"error,omitempty"`
	Status        StatusCode        `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Finished      bool              `json:"finished"`
}

// Context returns the span's propagated identity.
func (s *Span) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// TraceID is shorthand for Context().TraceID().
func (s *Span) TraceID() string { return s.Context().TraceID() }

// SpanID is shorthand for Context().SpanID().
func (s *Span) SpanID() string { return s.Context().SpanID() }

// ParentID returns the parent span id, empty for a root span.
func (s *Span) ParentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentID
}

// Name returns the operation name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// IsRoot reports whether the span started a new trace.
func (s *Span) IsRoot() bool { return s.ParentID() == "" }

// IsFinished reports whether Finish has been called.
func (s *Span) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// SetTag adds a tag to the span. Ignored once the span is finished.
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.tags[key] = value
}

// SetBaggage attaches a baggage item that propagates to children and carriers.
func (s *Span) SetBaggage(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	bag := make(map[string]string, len(s.ctx.baggage)+1)
	for k, v := range s.ctx.baggage {
		bag[k] = v
	}
	bag[key] = value
	s.ctx.baggage = bag
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.err = err
	s.status = StatusError
	s.message = err.Error()
}

// SetStatus sets the span outcome
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.status = code
	s.message = message
}

// Log adds a log entry to the span
func (s *Span) Log(message string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.logs = append(s.logs, LogEntry{
		Timestamp: s.tracer.clock.Now(),
		Message:   message,
		Fields:    fields,
	})
}

// Finish marks the span as complete and hands it to the exporters.
func (s *Span) Finish() error {
	return s.tracer.Finish(s)
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() SpanData {
	d := SpanData{
		TraceID:       s.ctx.traceID,
		SpanID:        s.ctx.spanID,
		ParentID:      s.parentID,
		Name:          s.name,
		Service:       s.tracer.service,
		Kind:          s.kind,
		StartTime:     s.start,
		EndTime:       s.end,
		Status:        s.status,
		StatusMessage: s.message,
		Finished:      s.finished,
	}
	if s.finished {
		d.Duration = s.end.Sub(s.start)
	}
	if len(s.tags) > 0 {
		d.Tags = make(map[string]string, len(s.tags))
		for k, v := range s.tags {
			d.Tags[k] = v
		}
	}
	if len(s.logs) > 0 {
		d.Logs = make([]LogEntry, len(s.logs))
		copy(d.Logs, s.logs)
	}
	if s.err != nil {
		d.Error = s.err.Error()
	}
	return d
}

// StartOption configures a span at creation.
type StartOption func(*startConfig)

type startConfig struct {
	parent SpanContext
	kind   SpanKind
	tags   map[string]string
}

// ChildOf parents the new span to an extracted or local span context.
// An invalid context is ignored and the span starts a new trace.
func ChildOf(parent SpanContext) StartOption {
	return func(c *startConfig) {
		c.parent = parent
	}
}

// ChildOfSpan parents the new span to a local span.
func ChildOfSpan(parent *Span) StartOption {
	return func(c *startConfig) {
		if parent != nil {
			c.parent = parent.Context()
		}
	}
}

// WithKind sets the span kind.
func WithKind(kind SpanKind) StartOption {
	return func(c *startConfig) {
		c.kind = kind
	}
}

// WithTag sets a tag at creation.
func WithTag(key, value string) StartOption {
	return func(c *startConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string)
		}
		c.tags[key] = value
	}
}
