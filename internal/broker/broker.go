package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

var (
	// ErrClosed is returned by operations on a closed broker component.
	ErrClosed = errors.New("broker closed")
	// ErrAlreadySubscribed is returned when a topic/group pair is opened twice.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// InboundEvent is a message received from the broker. Headers carry the
// trace context of the producer.
type InboundEvent struct {
	Topic      string
	Key        string
	Value      []byte
	Partition  int32
	Offset     int64
	Headers    tracing.Carrier
	ReceivedAt time.Time
}

// OutboundEvent is a message to publish.
type OutboundEvent struct {
	Topic   string
	Key     string
	Value   []byte
	Headers tracing.Carrier
}

// Handler processes one inbound event. ctx carries the lane of the
// partition worker running it. Consumption progress is committed when the
// handler returns, regardless of any asynchronous work it started.
type Handler func(ctx context.Context, ev *InboundEvent)

// Delivery pairs an event with the function that commits it.
type Delivery struct {
	Event  *InboundEvent
	Commit func() error
}

// Source is a broker backend that yields deliveries for a topic and
// consumer group. Deliveries of one partition arrive in order.
type Source interface {
	Open(ctx context.Context, topic, group string) (<-chan Delivery, error)
	Close() error
}

// Publisher sends outbound events. The returned channel receives at most one
// error and is closed once the broker acknowledged the event (or, with
// AcksNone, once it was handed to the transport). Callers may ignore it.
type Publisher interface {
	Publish(ctx context.Context, ev *OutboundEvent) <-chan error
	Close() error
}

// Acks is the acknowledgement level requested for published events.
type Acks int

const (
	AcksNone Acks = iota
	AcksLeader
	AcksAll
)

// ParseAcks accepts the producer "acks" values: 0/none, 1/leader, all/-1.
func ParseAcks(s string) (Acks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "none":
		return AcksNone, nil
	case "", "1", "leader":
		return AcksLeader, nil
	case "all", "-1":
		return AcksAll, nil
	}
	return AcksLeader, fmt.Errorf("invalid acks %q", s)
}

func (a Acks) String() string {
	switch a {
	case AcksNone:
		return "none"
	case AcksLeader:
		return "leader"
	case AcksAll:
		return "all"
	default:
		return "unknown"
	}
}

// PartitionFor maps a key to one of n partitions (FNV-1a). An empty key
// always lands on partition 0.
func PartitionFor(key string, n int) int32 {
	if n <= 1 || key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(n))
}

// Result returns a closed channel carrying err, if non-nil. Backends use it
// for publishes that complete synchronously.
func Result(err error) <-chan error {
	ch := make(chan error, 1)
	if err != nil {
		ch <- err
	}
	close(ch)
	return ch
}
