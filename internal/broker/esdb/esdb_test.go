package esdb

import (
	"testing"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

func TestEventDataRoundTrip(t *testing.T) {
	data, err := toEventData(&broker.OutboundEvent{
		Topic:   "push",
		Key:     "aa",
		Value:   []byte("odd"),
		Headers: tracing.Carrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, EventType, data.EventType)
	assert.Equal(t, esdb.ContentTypeBinary, data.ContentType)

	ev := toInbound("push", &esdb.RecordedEvent{
		EventNumber:  42,
		Data:         data.Data,
		UserMetadata: data.Metadata,
	}, 4, zap.NewNop())

	assert.Equal(t, "push", ev.Topic)
	assert.Equal(t, "aa", ev.Key)
	assert.Equal(t, []byte("odd"), ev.Value)
	assert.Equal(t, int64(42), ev.Offset)
	assert.Equal(t, broker.PartitionFor("aa", 4), ev.Partition)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", ev.Headers.Get("traceparent"))
}

func TestToInboundToleratesBadMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta []byte
	}{
		{"missing", nil},
		{"garbage", []byte("{not json")},
		{"foreign shape", []byte(`{"spanContext":"abc"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := toInbound("ot", &esdb.RecordedEvent{EventNumber: 1, Data: []byte("v"), UserMetadata: tt.meta}, 4, zap.NewNop())
			assert.Empty(t, ev.Key)
			assert.NotNil(t, ev.Headers)
			assert.Empty(t, ev.Headers)
			assert.Equal(t, int32(0), ev.Partition)
		})
	}
}

func TestDialRejectsBadConnectionString(t *testing.T) {
	_, err := Dial(Config{ConnectionString: "http://not-esdb"}, nil)
	assert.Error(t, err)
}
