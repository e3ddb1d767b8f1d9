package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process partitioned log implementing Source and Publisher.
// Committed offsets are tracked per consumer group, so reopening a topic for
// the same group resumes after the last committed event of each partition.
type Memory struct {
	partitions int

	mu        sync.Mutex
	cond      *sync.Cond
	logs      map[string][]*InboundEvent
	next      map[string][]int64
	committed map[string]map[int32]int64
	open      map[string]bool
	closed    bool
}

var (
	_ Source    = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)

// NewMemory creates an empty log with the given partition count.
func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	m := &Memory{
		partitions: partitions,
		logs:       make(map[string][]*InboundEvent),
		next:       make(map[string][]int64),
		committed:  make(map[string]map[int32]int64),
		open:       make(map[string]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Partitions returns the partition count.
func (m *Memory) Partitions() int { return m.partitions }

// Publish appends ev to its topic. The partition is derived from the key.
func (m *Memory) Publish(ctx context.Context, ev *OutboundEvent) <-chan error {
	if err := ctx.Err(); err != nil {
		return Result(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result(ErrClosed)
	}

	next, ok := m.next[ev.Topic]
	if !ok {
		next = make([]int64, m.partitions)
		m.next[ev.Topic] = next
	}
	partition := PartitionFor(ev.Key, m.partitions)
	offset := next[partition]
	next[partition]++

	value := make([]byte, len(ev.Value))
	copy(value, ev.Value)
	m.logs[ev.Topic] = append(m.logs[ev.Topic], &InboundEvent{
		Topic:     ev.Topic,
		Key:       ev.Key,
		Value:     value,
		Partition: partition,
		Offset:    offset,
		Headers:   ev.Headers.Clone(),
	})
	m.cond.Broadcast()
	return Result(nil)
}

// Open streams the topic's events to the group, starting after its
// committed offsets. The channel is closed when ctx ends or on Close.
func (m *Memory) Open(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	key := group + "/" + topic

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.open[key] {
		m.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	m.open[key] = true
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	out := make(chan Delivery)
	go func() {
		defer func() {
			stop()
			m.mu.Lock()
			delete(m.open, key)
			m.mu.Unlock()
			close(out)
		}()

		for pos := 0; ; pos++ {
			ev, ok := m.wait(ctx, key, topic, pos)
			if !ok {
				return
			}
			if ev == nil {
				continue
			}

			del := Delivery{
				Event: ev,
				Commit: func() error {
					return m.commit(key, ev.Partition, ev.Offset)
				},
			}
			select {
			case out <- del:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// wait blocks until the record at pos exists. It returns nil for records the
// group already committed and false once the subscription must end.
func (m *Memory) wait(ctx context.Context, key, topic string, pos int) (*InboundEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pos >= len(m.logs[topic]) && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed || ctx.Err() != nil {
		return nil, false
	}

	rec := m.logs[topic][pos]
	if c, ok := m.committed[key][rec.Partition]; ok && rec.Offset <= c {
		return nil, true
	}

	ev := *rec
	ev.Headers = rec.Headers.Clone()
	ev.ReceivedAt = time.Now()
	return &ev, true
}

func (m *Memory) commit(key string, partition int32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	offsets, ok := m.committed[key]
	if !ok {
		offsets = make(map[int32]int64)
		m.committed[key] = offsets
	}
	if c, ok := offsets[partition]; !ok || offset > c {
		offsets[partition] = offset
	}
	return nil
}

// Committed returns the last committed offset of a partition for group, or
// -1 if nothing was committed.
func (m *Memory) Committed(group, topic string, partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.committed[group+"/"+topic][partition]; ok {
		return c
	}
	return -1
}

// Records returns a copy of the events published to topic, in append order.
func (m *Memory) Records(topic string) []InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InboundEvent, 0, len(m.logs[topic]))
	for _, rec := range m.logs[topic] {
		ev := *rec
		ev.Headers = rec.Headers.Clone()
		out = append(out, ev)
	}
	return out
}

// Close ends all subscriptions and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
