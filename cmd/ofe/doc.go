// Package main is the entry point of the ofe processing node.
//
// The node consumes odds-change events from a broker topic, continues the
// producer's trace, calls the translation service asynchronously and
// finishes the span when the call completes.
//
// Architecture:
//
//	producer → broker topic "ot" → ofe run → Translation gRPC (ofe translator)
//	                                       → broker topic "push" (optional)
//
// Commands:
//   - run: the processing node
//   - translator: the demo translation service
//   - publish: a traced producer for manual testing
//
// Configuration:
//   - Defaults, overridden by a YAML file (--config or OFE_CONFIG)
//   - Environment variables (OFE_*)
//   - CLI flags
//
// Usage:
//
//	# Standalone, with an embedded MQTT broker
//	ofe translator &
//	ofe run --embedded-broker --dev
//	ofe publish --count 5
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
