/*
Package broker provides the message ingress and egress of the node.

# Overview

A Source yields deliveries for a topic and consumer group. The Ingress runs
one consumer loop per subscription and hands deliveries to a Dispatcher,
which maps partitions onto shards. A shard is a single worker owning a
tracing.Lane, so handlers of one partition run one at a time, in order, and
always on the same lane. Consumption progress is committed as soon as the
handler returns.

# Backends

  - Memory: in-process partitioned log, used by tests and standalone runs
  - mqtt: MQTT via paho, optionally with an embedded mochi broker
  - esdb: EventStoreDB persistent subscriptions

# Usage

	mem := broker.NewMemory(4)
	in := broker.NewIngress(mem, broker.IngressConfig{Shards: 2, MaxBacklog: 256}, logger, nil)
	err := in.Subscribe(ctx, "ot", "group-1", func(ctx context.Context, ev *broker.InboundEvent) {
		...
	})
	defer in.Close()

	errCh := mem.Publish(ctx, &broker.OutboundEvent{Topic: "ot", Key: "k", Value: []byte("v")})
*/
package broker
