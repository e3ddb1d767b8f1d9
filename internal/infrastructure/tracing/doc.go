/*
Package tracing provides span lifecycle management and trace context
propagation for the processing node.

# Overview

A message enters the node from a broker, spawns a span, issues an
asynchronous RPC, and completes on a worker goroutine that has nothing to do
with the goroutine that received the message. Go has no thread locals, so
"the currently active span" is tracked on an explicit Lane value that every
execution context owns. Transferring the active span between lanes is done
with a Captured token:

	span, scope := tracer.StartSpan(lane, "processOddChange", tracing.ChildOf(parent))
	defer scope.Deactivate()

	captured, err := tracer.Capture(lane)
	if err != nil {
		return err
	}

	client.Call(ctx, req, func(ctx context.Context, res translation.Result) {
		workerLane := tracing.LaneFromContext(ctx)
		scope, err := tracer.Activate(workerLane, captured)
		if err != nil {
			return
		}
		defer span.Finish()
		defer scope.Deactivate()
		// log against the reactivated span
	})

# Rules

- At most one span is active per lane. Starting or activating pushes onto the
  lane's scope stack; deactivating pops the handle that pushed.
- A Captured token activates exactly once. Reuse returns ErrCaptureConsumed.
- Deactivating twice returns ErrScopeDeactivated. Finishing twice returns
  ErrSpanFinished. Contract violations are logged and returned; they never
  panic.
- Spans are finished explicitly. Deactivation never finishes a span.

# Propagation

Codecs move a SpanContext in and out of a Carrier (a flat string map owned by
the message):

- "header" (default): trace-id / span-id / sampled / baggage-<name>
- "w3c": traceparent / tracestate / baggage, via OpenTelemetry propagators

Extraction fails soft: a missing or malformed carrier yields no parent and the
caller starts a new root trace.

# Export

Finished spans are buffered (1000 by default) and handed to exporters by a
collector goroutine. LogExporter writes spans through zap, OTLPExporter
uploads OTLP protobufs over HTTP, and Recorder keeps them in memory for tests
and the debug endpoint.
*/
package tracing
