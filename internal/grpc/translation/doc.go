// Package translation provides the client and a demo server for the
// Translation gRPC service.
//
// The client is asynchronous: Call returns immediately and the callback runs
// exactly once on a completion worker, never on the caller's lane. Failures
// arrive through the same callback with a human-readable Cause. An optional
// circuit breaker counts transport failures only; NotFound and similar
// application answers do not trip it.
//
// Example Usage:
//
//	pool := workers.New("completion", 4, 256, logger)
//	client, err := translation.NewClient("localhost:8080", pool, logger,
//		translation.WithTracing(tracer, codec))
//	client.Call(ctx, translation.Request{TextID: 1}, func(ctx context.Context, res translation.Result) {
//		...
//	})
//
// The demo Server serves a fixed catalog with configurable latency and a
// failure ratio, for local runs and tests.
package translation
