package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := encode(&broker.OutboundEvent{
		Topic:   "push",
		Key:     "aa",
		Value:   []byte("odd"),
		Headers: tracing.Carrier{"trace-id": "T1", "span-id": "S1"},
	})
	require.NoError(t, err)

	ev, err := decode("push", payload)
	require.NoError(t, err)
	assert.Equal(t, "push", ev.Topic)
	assert.Equal(t, "aa", ev.Key)
	assert.Equal(t, []byte("odd"), ev.Value)
	assert.Equal(t, "T1", ev.Headers.Get("trace-id"))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"no headers", `{"key":"k","value":"dg=="}`, false},
		{"not json", `odd`, true},
		{"bad value", `{"value":"%%%"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode("ot", []byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, ev.Headers)
			assert.Equal(t, []byte("v"), ev.Value)
		})
	}
}

func TestQoS(t *testing.T) {
	assert.Equal(t, byte(0), qos(broker.AcksNone))
	assert.Equal(t, byte(1), qos(broker.AcksLeader))
	assert.Equal(t, byte(2), qos(broker.AcksAll))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestClientAgainstEmbeddedBroker(t *testing.T) {
	addr := freeAddr(t)
	embedded, err := StartEmbedded(addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = embedded.Close() })

	// Give the listener a moment to accept connections.
	time.Sleep(50 * time.Millisecond)

	dial := func(id string) *Client {
		c, err := Dial(Config{
			URL:        fmt.Sprintf("tcp://%s", addr),
			ClientID:   id,
			Partitions: 4,
			Acks:       broker.AcksLeader,
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	consumer := dial("consumer")
	producer := dial("producer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := consumer.Open(ctx, "ot", "g")
	require.NoError(t, err)

	_, err = consumer.Open(ctx, "ot", "g")
	assert.ErrorIs(t, err, broker.ErrAlreadySubscribed)

	for i := 0; i < 3; i++ {
		errCh := producer.Publish(ctx, &broker.OutboundEvent{
			Topic:   "ot",
			Key:     "same",
			Value:   []byte{byte('a' + i)},
			Headers: tracing.Carrier{"trace-id": "T1"},
		})
		require.NoError(t, <-errCh)
	}

	for i := 0; i < 3; i++ {
		select {
		case d := <-deliveries:
			assert.Equal(t, []byte{byte('a' + i)}, d.Event.Value)
			assert.Equal(t, broker.PartitionFor("same", 4), d.Event.Partition)
			assert.Equal(t, int64(i), d.Event.Offset)
			assert.Equal(t, "T1", d.Event.Headers.Get("trace-id"))
			assert.NoError(t, d.Commit())
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d not received", i)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-deliveries
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	c := &Client{closed: true, topics: map[string]bool{}}
	err := <-c.Publish(context.Background(), &broker.OutboundEvent{Topic: "ot"})
	assert.ErrorIs(t, err, broker.ErrClosed)

	_, err = c.Open(context.Background(), "ot", "g")
	assert.ErrorIs(t, err, broker.ErrClosed)
}
