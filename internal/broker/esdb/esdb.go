// Package esdb implements the broker Source and Publisher on EventStoreDB.
//
// A topic is a stream and a consumer group is a persistent subscription
// group. The event number is the offset, the partition is derived from the
// key, and key and headers travel in the event's user metadata as JSON.
// Events are acked on the persistent subscription when the handler returns.
package esdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// EventType is the type recorded for published events.
const EventType = "ofe-event"

// Config configures the EventStoreDB client.
type Config struct {
	ConnectionString string
	Partitions       int
	Acks             broker.Acks
}

type metadata struct {
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Client wraps an EventStoreDB connection.
type Client struct {
	db     *esdb.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]bool
	closed bool
}

var (
	_ broker.Source    = (*Client)(nil)
	_ broker.Publisher = (*Client)(nil)
)

// Dial parses the connection string and creates the client. The connection
// itself is established lazily by the driver.
func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	settings, err := esdb.ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Client{
		db:     db,
		cfg:    cfg,
		logger: logger.Named("esdb"),
		groups: make(map[string]bool),
	}, nil
}

// Open joins the persistent subscription group on the topic stream,
// creating the group on first use.
func (c *Client) Open(ctx context.Context, topic, group string) (<-chan broker.Delivery, error) {
	key := group + "/" + topic

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if c.groups[key] {
		c.mu.Unlock()
		return nil, broker.ErrAlreadySubscribed
	}
	c.groups[key] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.groups, key)
		c.mu.Unlock()
	}

	err := c.db.CreatePersistentSubscription(ctx, topic, group, esdb.PersistentStreamSubscriptionOptions{
		StartFrom: esdb.Start{},
	})
	if err != nil && !alreadyExists(err) {
		release()
		return nil, fmt.Errorf("failed to create persistent subscription %s: %w", key, err)
	}

	sub, err := c.db.SubscribeToPersistentSubscription(ctx, topic, group, esdb.SubscribeToPersistentSubscriptionOptions{})
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	logger := c.logger.With(zap.String("stream", topic), zap.String("group", group))
	logger.Info("subscribed to persistent subscription")

	out := make(chan broker.Delivery)
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	go func() {
		defer func() {
			stop()
			_ = sub.Close()
			release()
			close(out)
		}()

		for {
			msg := sub.Recv()
			if msg.SubscriptionDropped != nil {
				if ctx.Err() == nil {
					logger.Warn("subscription dropped", zap.Error(msg.SubscriptionDropped.Error))
				}
				return
			}
			if msg.EventAppeared == nil {
				continue
			}

			resolved := msg.EventAppeared.Event
			ev := toInbound(topic, resolved.OriginalEvent(), c.cfg.Partitions, logger)
			del := broker.Delivery{
				Event: ev,
				Commit: func() error {
					return sub.Ack(resolved)
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

// Publish appends ev to the stream named by its topic. With AcksNone the
// returned channel is closed immediately and append failures are only logged.
func (c *Client) Publish(ctx context.Context, ev *broker.OutboundEvent) <-chan error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return broker.Result(broker.ErrClosed)
	}

	data, err := toEventData(ev)
	if err != nil {
		return broker.Result(err)
	}

	if c.cfg.Acks == broker.AcksNone {
		go func() {
			if _, err := c.db.AppendToStream(context.WithoutCancel(ctx), ev.Topic, esdb.AppendToStreamOptions{}, data); err != nil {
				c.logger.Warn("append failed", zap.String("stream", ev.Topic), zap.Error(err))
			}
		}()
		return broker.Result(nil)
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if _, err := c.db.AppendToStream(ctx, ev.Topic, esdb.AppendToStreamOptions{}, data); err != nil {
			errCh <- fmt.Errorf("failed to append event to stream %s: %w", ev.Topic, err)
		}
	}()
	return errCh
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.db.Close()
}

func alreadyExists(err error) bool {
	var esErr *esdb.Error
	return errors.As(err, &esErr) && esErr.Code() == esdb.ErrorCodeResourceAlreadyExists
}

func toEventData(ev *broker.OutboundEvent) (esdb.EventData, error) {
	meta, err := json.Marshal(metadata{Key: ev.Key, Headers: ev.Headers})
	if err != nil {
		return esdb.EventData{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return esdb.EventData{
		EventID:     uuid.New(),
		EventType:   EventType,
		ContentType: esdb.ContentTypeBinary,
		Data:        ev.Value,
		Metadata:    meta,
	}, nil
}

// toInbound never fails: unreadable metadata yields an event without key
// or headers, which the processor treats as a new trace.
func toInbound(topic string, rec *esdb.RecordedEvent, partitions int, logger *zap.Logger) *broker.InboundEvent {
	var meta metadata
	if len(rec.UserMetadata) > 0 {
		if err := json.Unmarshal(rec.UserMetadata, &meta); err != nil {
			logger.Warn("failed to unmarshal user metadata",
				zap.Uint64("event_number", rec.EventNumber),
				zap.Error(err),
			)
			meta = metadata{}
		}
	}
	headers := tracing.Carrier(meta.Headers)
	if headers == nil {
		headers = tracing.Carrier{}
	}

	return &broker.InboundEvent{
		Topic:      topic,
		Key:        meta.Key,
		Value:      rec.Data,
		Partition:  broker.PartitionFor(meta.Key, partitions),
		Offset:     int64(rec.EventNumber),
		Headers:    headers,
		ReceivedAt: time.Now(),
	}
}
