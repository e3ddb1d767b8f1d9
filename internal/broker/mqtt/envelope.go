package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// envelope is the MQTT payload. MQTT 3.1.1 has no message headers or keys,
// so both travel inside the payload.
type envelope struct {
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Value   []byte            `json:"value"`
}

func encode(ev *broker.OutboundEvent) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Key:     ev.Key,
		Headers: ev.Headers,
		Value:   ev.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

func decode(topic string, payload []byte) (*broker.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	headers := tracing.Carrier(env.Headers)
	if headers == nil {
		headers = tracing.Carrier{}
	}
	return &broker.InboundEvent{
		Topic:   topic,
		Key:     env.Key,
		Value:   env.Value,
		Headers: headers,
	}, nil
}

// qos maps the producer acknowledgement level onto an MQTT QoS.
func qos(acks broker.Acks) byte {
	switch acks {
	case broker.AcksNone:
		return 0
	case broker.AcksAll:
		return 2
	default:
		return 1
	}
}
