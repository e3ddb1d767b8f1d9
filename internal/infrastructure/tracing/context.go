package tracing

import "context"

// Context keys for lane and span propagation
type contextKey string

const (
	laneKey contextKey = "tracing_lane"
	spanKey contextKey = "tracing_span"
)

// ContextWithLane attaches the caller's lane to ctx.
func ContextWithLane(ctx context.Context, lane *Lane) context.Context {
	return context.WithValue(ctx, laneKey, lane)
}

// LaneFromContext retrieves the lane, or nil.
func LaneFromContext(ctx context.Context) *Lane {
	if lane, ok := ctx.Value(laneKey).(*Lane); ok {
		return lane
	}
	return nil
}

// ContextWithSpan records span as the parent for outgoing calls made with ctx.
// It does not activate the span on any lane.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey, span)
}

// SpanFromContext retrieves the span set by ContextWithSpan, falling back to
// the active span of the context's lane.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok && span != nil {
		return span
	}
	if lane := LaneFromContext(ctx); lane != nil {
		return lane.Active()
	}
	return nil
}
