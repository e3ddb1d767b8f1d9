/*
Package resilience provides circuit breaker implementation for graceful degradation.

# Overview

This package implements the circuit breaker pattern to prevent cascading failures
and provide graceful degradation when services become unavailable or slow.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Configurable failure thresholds and timeouts
- Automatic state transitions
- Error classification so caller errors do not trip the breaker
- State change callbacks for monitoring
- Thread-safe operations

# Usage

	// Create a circuit breaker in front of the translation service
	breaker := resilience.New("translation", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.ConsecutiveFailures(5),
		IsSuccessful: func(err error) bool {
			return status.Code(err) != codes.Unavailable
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	// Execute request through breaker
	err := breaker.Do(func() error {
		return conn.Invoke(ctx, method, req, reply)
	})

	// Or keep the result
	reply, err := resilience.Execute(breaker, func() (*Reply, error) {
		return client.Translate(ctx, req)
	})

Tests inject a clockz fake clock through Settings.Clock to drive the open
timeout without sleeping.

# States

- Closed: Normal operation, requests pass through
- Open: Service unavailable, requests fail immediately
- Half-Open: Testing if service recovered, limited requests allowed

# Pattern

The circuit breaker transitions between states based on success/failure rates:

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
