// Package logging provides structured logging using uber/zap.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every log line written while handling a message should carry the identity
// of the span active at that moment. SpanFields and LaneFields produce the
// trace_id, span_id and parent_id fields for that.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	logger.Info("Processing", logging.LaneFields(lane)...)
//	logger.Error("Failed to translate", append(logging.SpanFields(span), zap.Error(err))...)
package logging
