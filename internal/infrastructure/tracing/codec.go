package tracing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Supported carrier formats.
const (
	FormatW3C    = "w3c"
	FormatHeader = "header"
)

// Flat header keys.
const (
	HeaderTraceID       = "trace-id"
	HeaderSpanID        = "span-id"
	HeaderSampled       = "sampled"
	HeaderBaggagePrefix = "baggage-"

	maxHeaderIDLen = 128
)

// Carrier is the flat string map attached to a message. It is owned by the
// message, not by the tracer.
type Carrier map[string]string

// Get returns the value for key.
func (c Carrier) Get(key string) string { return c[key] }

// Set stores a value.
func (c Carrier) Set(key, value string) { c[key] = value }

// Keys lists the carrier keys in sorted order.
func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the carrier.
func (c Carrier) Clone() Carrier {
	out := make(Carrier, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Codec moves a SpanContext in and out of a Carrier.
type Codec interface {
	// Extract parses the carrier. It never fails loudly: missing or malformed
	// data returns false.
	Extract(carrier Carrier) (SpanContext, bool)
	// Inject writes the context, replacing any trace keys already present.
	Inject(sc SpanContext, carrier Carrier)
	// Name returns the format name.
	Name() string
}

// NewCodec returns the codec for a format name. The empty name selects the
// flat header format.
func NewCodec(format string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatHeader, "":
		return HeaderCodec{}, nil
	case FormatW3C:
		return NewW3CCodec(), nil
	default:
		return nil, fmt.Errorf("tracing: unknown carrier format %q", format)
	}
}

// W3CCodec implements W3C Trace Context and Baggage with the OpenTelemetry
// propagators.
type W3CCodec struct {
	propagator propagation.TextMapPropagator
}

// NewW3CCodec creates a W3C codec.
func NewW3CCodec() W3CCodec {
	return W3CCodec{
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Name implements Codec.
func (W3CCodec) Name() string { return FormatW3C }

// Extract implements Codec.
func (c W3CCodec) Extract(carrier Carrier) (SpanContext, bool) {
	if len(carrier) == 0 {
		return SpanContext{}, false
	}
	ctx := c.propagator.Extract(context.Background(), carrier)

	otelSC := trace.SpanContextFromContext(ctx)
	if !otelSC.IsValid() {
		return SpanContext{}, false
	}

	var bag map[string]string
	if members := baggage.FromContext(ctx).Members(); len(members) > 0 {
		bag = make(map[string]string, len(members))
		for _, m := range members {
			bag[m.Key()] = m.Value()
		}
	}

	sc := NewSpanContext(otelSC.TraceID().String(), otelSC.SpanID().String(), otelSC.IsSampled(), bag)
	return sc.WithTraceState(otelSC.TraceState().String()), true
}

// Inject implements Codec. Contexts whose ids are not W3C hex ids (for
// example ones received through the header codec) are not representable and
// leave the carrier without trace keys.
func (c W3CCodec) Inject(sc SpanContext, carrier Carrier) {
	delete(carrier, "traceparent")
	delete(carrier, "tracestate")
	delete(carrier, "baggage")

	traceID, err := trace.TraceIDFromHex(sc.TraceID())
	if err != nil {
		return
	}
	spanID, err := trace.SpanIDFromHex(sc.SpanID())
	if err != nil {
		return
	}

	cfg := trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	}
	if sc.Sampled() {
		cfg.TraceFlags = trace.FlagsSampled
	}
	if sc.TraceState() != "" {
		if ts, err := trace.ParseTraceState(sc.TraceState()); err == nil {
			cfg.TraceState = ts
		}
	}

	ctx := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(cfg))

	var members []baggage.Member
	sc.ForeachBaggage(func(k, v string) {
		if m, err := baggage.NewMemberRaw(k, v); err == nil {
			members = append(members, m)
		}
	})
	if len(members) > 0 {
		if bag, err := baggage.New(members...); err == nil {
			ctx = baggage.ContextWithBaggage(ctx, bag)
		}
	}

	c.propagator.Inject(ctx, carrier)
}

// HeaderCodec uses flat keys: trace-id, span-id, sampled and baggage-<name>.
// Identifiers are opaque strings, so contexts produced by other tracers pass
// through unchanged.
type HeaderCodec struct{}

// Name implements Codec.
func (HeaderCodec) Name() string { return FormatHeader }

// Extract implements Codec.
func (HeaderCodec) Extract(carrier Carrier) (SpanContext, bool) {
	traceID := strings.TrimSpace(carrier[HeaderTraceID])
	spanID := strings.TrimSpace(carrier[HeaderSpanID])
	if !validHeaderID(traceID) || !validHeaderID(spanID) {
		return SpanContext{}, false
	}

	sampled := true
	switch strings.ToLower(strings.TrimSpace(carrier[HeaderSampled])) {
	case "0", "false":
		sampled = false
	}

	var bag map[string]string
	for k, v := range carrier {
		if name, ok := strings.CutPrefix(k, HeaderBaggagePrefix); ok && name != "" {
			if bag == nil {
				bag = make(map[string]string)
			}
			bag[name] = v
		}
	}

	return NewSpanContext(traceID, spanID, sampled, bag), true
}

// Inject implements Codec.
func (HeaderCodec) Inject(sc SpanContext, carrier Carrier) {
	for k := range carrier {
		if k == HeaderTraceID || k == HeaderSpanID || k == HeaderSampled || strings.HasPrefix(k, HeaderBaggagePrefix) {
			delete(carrier, k)
		}
	}
	if !sc.IsValid() {
		return
	}

	carrier[HeaderTraceID] = sc.TraceID()
	carrier[HeaderSpanID] = sc.SpanID()
	if sc.Sampled() {
		carrier[HeaderSampled] = "1"
	} else {
		carrier[HeaderSampled] = "0"
	}
	sc.ForeachBaggage(func(k, v string) {
		carrier[HeaderBaggagePrefix+k] = v
	})
}

func validHeaderID(s string) bool {
	if s == "" || len(s) > maxHeaderIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}
