/*
Package ofe implements the event handler of the node.

For every inbound event the Processor extracts the producer's trace context
from the event headers and starts a "processOddChange" span on the lane of
the partition worker. A nested "processData" span covers the simulated
processing step. The handler span is then captured and the translation call
is issued; Handle returns immediately and the event is committed.

The completion callback runs on a completion worker. It activates the
captured span there, logs the outcome against it, deactivates and finishes
the span and, when enabled, publishes the original value to the push topic
with the re-activated span's context injected into the headers.

Each step is reported to an optional Observer as a Stage:

	received → context_extracted → child_span_active → call_issued →
	call_completed → span_finished → [published] → done
*/
package ofe
