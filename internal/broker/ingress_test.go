package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressDeliversAndCommits(t *testing.T) {
	mem := NewMemory(4)
	in := NewIngress(mem, IngressConfig{Shards: 2, MaxBacklog: 16}, nil, nil)

	var (
		mu      sync.Mutex
		byPart  = map[int32][]int64{}
		early   []string
		handled sync.WaitGroup
	)
	handled.Add(40)
	require.NoError(t, in.Subscribe(context.Background(), "ot", "g", func(ctx context.Context, ev *InboundEvent) {
		defer handled.Done()
		mu.Lock()
		defer mu.Unlock()
		byPart[ev.Partition] = append(byPart[ev.Partition], ev.Offset)
		if mem.Committed("g", "ot", ev.Partition) >= ev.Offset {
			early = append(early, fmt.Sprintf("%d/%d", ev.Partition, ev.Offset))
		}
	}))

	for i := 0; i < 40; i++ {
		require.NoError(t, <-mem.Publish(context.Background(), &OutboundEvent{
			Topic: "ot",
			Key:   fmt.Sprintf("key-%d", i%7),
			Value: []byte("v"),
		}))
	}
	handled.Wait()

	mu.Lock()
	for p, offsets := range byPart {
		for i := 1; i < len(offsets); i++ {
			assert.Greater(t, offsets[i], offsets[i-1], "partition %d out of order", p)
		}
	}
	assert.Empty(t, early, "events committed before their handler ran")
	mu.Unlock()

	require.Eventually(t, func() bool {
		return in.Stats()["ot"].Committed == 40
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, in.Close())

	for p, offsets := range byPart {
		assert.Equal(t, offsets[len(offsets)-1], mem.Committed("g", "ot", p))
	}
}

func TestIngressSubscribeTwice(t *testing.T) {
	mem := NewMemory(1)
	in := NewIngress(mem, IngressConfig{}, nil, nil)
	defer in.Close()

	noop := func(context.Context, *InboundEvent) {}
	require.NoError(t, in.Subscribe(context.Background(), "ot", "g", noop))
	assert.ErrorIs(t, in.Subscribe(context.Background(), "ot", "g", noop), ErrAlreadySubscribed)
	assert.Error(t, in.Subscribe(context.Background(), "ot", "h", nil))
}

func TestIngressClosed(t *testing.T) {
	mem := NewMemory(1)
	in := NewIngress(mem, IngressConfig{}, nil, nil)
	require.NoError(t, in.Close())
	require.NoError(t, in.Close())

	err := in.Subscribe(context.Background(), "ot", "g", func(context.Context, *InboundEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIngressCloseDrainsBacklog(t *testing.T) {
	mem := NewMemory(1)
	in := NewIngress(mem, IngressConfig{Shards: 1, MaxBacklog: 64, DrainTimeout: time.Second}, nil, nil)

	var (
		mu    sync.Mutex
		count int
	)
	first := make(chan struct{})
	var once sync.Once
	require.NoError(t, in.Subscribe(context.Background(), "ot", "g", func(ctx context.Context, ev *InboundEvent) {
		once.Do(func() { close(first) })
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, <-mem.Publish(context.Background(), &OutboundEvent{Topic: "ot", Value: []byte{byte(i)}}))
	}
	<-first
	require.NoError(t, in.Close())

	mu.Lock()
	handled := count
	mu.Unlock()
	assert.Equal(t, int64(handled), in.Stats()["ot"].Committed)
	if handled > 0 {
		assert.Equal(t, int64(handled-1), mem.Committed("g", "ot", 0))
	}
}

func TestIngressCloseHonoursDrainTimeoutWhenDispatchBlocks(t *testing.T) {
	mem := NewMemory(1)
	in := NewIngress(mem, IngressConfig{Shards: 1, MaxBacklog: 1, DrainTimeout: 100 * time.Millisecond}, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, in.Subscribe(context.Background(), "ot", "g", func(ctx context.Context, ev *InboundEvent) {
		<-release
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, <-mem.Publish(context.Background(), &OutboundEvent{Topic: "ot", Value: []byte{byte(i)}}))
	}

	// One event stuck in the handler, one queued, the consumer loop waiting
	// for room in the backlog.
	require.Eventually(t, func() bool {
		stats := in.Stats()["ot"]
		return stats.Dispatched == 2 && stats.Backlog[0] == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	start := time.Now()
	go func() { closed <- in.Close() }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked past the drain timeout")
	}
	assert.Equal(t, int64(0), in.Stats()["ot"].Committed)
}
