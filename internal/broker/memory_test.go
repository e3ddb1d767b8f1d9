package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	return Delivery{}
}

func TestMemoryPublishAssignsPartitionAndOffset(t *testing.T) {
	mem := NewMemory(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, <-mem.Publish(ctx, &OutboundEvent{Topic: "ot", Key: "same", Value: []byte{byte(i)}}))
	}

	recs := mem.Records("ot")
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, PartitionFor("same", 4), rec.Partition)
		assert.Equal(t, int64(i), rec.Offset)
		assert.Equal(t, []byte{byte(i)}, rec.Value)
	}
}

func TestMemoryHeadersAreCopied(t *testing.T) {
	mem := NewMemory(1)
	headers := tracing.Carrier{"trace-id": "T1"}

	require.NoError(t, <-mem.Publish(context.Background(), &OutboundEvent{Topic: "ot", Headers: headers}))
	headers["trace-id"] = "changed"

	assert.Equal(t, "T1", mem.Records("ot")[0].Headers.Get("trace-id"))
}

func TestMemoryRedeliversUncommitted(t *testing.T) {
	mem := NewMemory(1)
	ctx := context.Background()
	require.NoError(t, <-mem.Publish(ctx, &OutboundEvent{Topic: "ot", Value: []byte("a")}))
	require.NoError(t, <-mem.Publish(ctx, &OutboundEvent{Topic: "ot", Value: []byte("b")}))

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := mem.Open(subCtx, "ot", "g")
	require.NoError(t, err)
	first := receive(t, ch)
	assert.Equal(t, "a", string(first.Event.Value))
	cancel()
	for range ch {
	}

	// Nothing committed: "a" comes again.
	subCtx, cancel = context.WithCancel(ctx)
	ch, err = mem.Open(subCtx, "ot", "g")
	require.NoError(t, err)
	again := receive(t, ch)
	assert.Equal(t, "a", string(again.Event.Value))
	require.NoError(t, again.Commit())
	cancel()
	for range ch {
	}
	assert.Equal(t, int64(0), mem.Committed("g", "ot", 0))

	ch, err = mem.Open(ctx, "ot", "g")
	require.NoError(t, err)
	next := receive(t, ch)
	assert.Equal(t, "b", string(next.Event.Value))

	// Other groups start from the beginning.
	other, err := mem.Open(ctx, "ot", "h")
	require.NoError(t, err)
	assert.Equal(t, "a", string(receive(t, other).Event.Value))

	require.NoError(t, mem.Close())
}

func TestMemoryOpenTwice(t *testing.T) {
	mem := NewMemory(1)
	defer mem.Close()

	_, err := mem.Open(context.Background(), "ot", "g")
	require.NoError(t, err)
	_, err = mem.Open(context.Background(), "ot", "g")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestMemoryWaitsForPublish(t *testing.T) {
	mem := NewMemory(2)
	defer mem.Close()

	ch, err := mem.Open(context.Background(), "late", "g")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-mem.Publish(context.Background(), &OutboundEvent{Topic: "late", Key: "k", Value: []byte("v")})
	}()

	d := receive(t, ch)
	assert.Equal(t, "late", d.Event.Topic)
	assert.False(t, d.Event.ReceivedAt.IsZero())
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(1)
	ch, err := mem.Open(context.Background(), "ot", "g")
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, <-mem.Publish(context.Background(), &OutboundEvent{Topic: "ot"}), ErrClosed)
	_, err = mem.Open(context.Background(), "ot", "h")
	assert.ErrorIs(t, err, ErrClosed)
}
