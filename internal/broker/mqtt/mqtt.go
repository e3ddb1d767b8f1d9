// Package mqtt implements the broker Source and Publisher over MQTT 3.1.1
// using the paho client.
//
// Events travel in a JSON envelope carrying key, headers and value. The
// partition of an inbound event is derived from its key, and offsets are a
// per-partition sequence local to the subscription. Inbound messages are
// received at QoS 1 with manual acknowledgement: the broker is acked when
// the handler returns.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
)

// Config configures the MQTT client.
type Config struct {
	URL            string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Partitions     int
	Acks           broker.Acks
}

// Client is a connected MQTT session used both to consume and to publish.
type Client struct {
	cfg    Config
	conn   paho.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]bool
	closed bool
}

var (
	_ broker.Source    = (*Client)(nil)
	_ broker.Publisher = (*Client)(nil)
)

// Dial connects to the broker at cfg.URL.
func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	logger = logger.Named("mqtt").With(zap.String("url", cfg.URL))

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("connection lost", zap.Error(err))
	})

	conn := paho.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %s", cfg.URL, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.URL, err)
	}

	logger.Info("connected", zap.String("client_id", cfg.ClientID))
	return &Client{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		topics: make(map[string]bool),
	}, nil
}

type subscription struct {
	ctx    context.Context
	topic  string
	out    chan broker.Delivery
	logger *zap.Logger
	parts  int

	mu      sync.RWMutex
	closed  bool
	offsets []int64
}

// Open subscribes to topic. MQTT 3.1.1 has no consumer groups; group only
// labels the subscription, and one client holds at most one subscription
// per topic.
func (c *Client) Open(ctx context.Context, topic, group string) (<-chan broker.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if c.topics[topic] {
		c.mu.Unlock()
		return nil, broker.ErrAlreadySubscribed
	}
	c.topics[topic] = true
	c.mu.Unlock()

	sub := &subscription{
		ctx:     ctx,
		topic:   topic,
		out:     make(chan broker.Delivery),
		logger:  c.logger.With(zap.String("topic", topic), zap.String("group", group)),
		parts:   c.cfg.Partitions,
		offsets: make([]int64, c.cfg.Partitions),
	}

	token := c.conn.Subscribe(topic, 1, sub.receive)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.release(topic)
		return nil, fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		c.release(topic)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}

	go func() {
		<-ctx.Done()
		if t := c.conn.Unsubscribe(topic); !t.WaitTimeout(time.Second) {
			sub.logger.Debug("unsubscribe did not complete")
		}
		sub.mu.Lock()
		sub.closed = true
		close(sub.out)
		sub.mu.Unlock()
		c.release(topic)
	}()
	return sub.out, nil
}

func (c *Client) release(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// receive runs on the paho router. Blocking here is the backpressure towards
// the broker; it gives up once the subscription context ends.
func (s *subscription) receive(_ paho.Client, msg paho.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	ev, err := decode(msg.Topic(), msg.Payload())
	if err != nil {
		s.logger.Warn("dropping malformed message", zap.Uint16("message_id", msg.MessageID()), zap.Error(err))
		msg.Ack()
		return
	}
	ev.Partition = broker.PartitionFor(ev.Key, s.parts)
	ev.Offset = s.nextOffset(ev.Partition)
	ev.ReceivedAt = time.Now()

	del := broker.Delivery{
		Event: ev,
		Commit: func() error {
			msg.Ack()
			return nil
		},
	}
	select {
	case s.out <- del:
	case <-s.ctx.Done():
	}
}

// nextOffset is only called from the paho router, one message at a time.
func (s *subscription) nextOffset(partition int32) int64 {
	off := s.offsets[partition]
	s.offsets[partition]++
	return off
}

// Publish sends ev with the QoS matching the configured acks. The returned
// channel completes when the broker acknowledged the message (QoS 1/2) or
// once it was written (QoS 0).
func (c *Client) Publish(ctx context.Context, ev *broker.OutboundEvent) <-chan error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return broker.Result(broker.ErrClosed)
	}

	payload, err := encode(ev)
	if err != nil {
		return broker.Result(err)
	}

	token := c.conn.Publish(ev.Topic, qos(c.cfg.Acks), false, payload)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				errCh <- fmt.Errorf("mqtt publish %s: %w", ev.Topic, err)
			}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return errCh
}

// Close disconnects, waiting briefly for in-flight work.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.conn.IsConnected() {
		c.conn.Disconnect(250)
	}
	c.logger.Info("disconnected")
	return nil
}
